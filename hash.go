package zscope

import "unicode/utf16"

// SignalID 根据操作名计算稳定的 32 位信号标识
//
// 两个 DJB2 累加器按 UTF-16 码元交替（步长 2）累积，结果为 h1 + h2*1566083941。
// 两端各自独立计算，无需握手即可一致，所以算法必须逐位保持不变。
func SignalID(name string) int32 {
	var (
		h1 int32 = (5381 << 16) + 5381
		h2       = h1
	)
	units := utf16.Encode([]rune(name))
	for i := 0; i < len(units); i += 2 {
		h1 = ((h1 << 5) + h1) ^ int32(units[i])
		if i == len(units)-1 {
			break
		}
		h2 = ((h2 << 5) + h2) ^ int32(units[i+1])
	}
	return h1 + h2*1566083941
}

// responsePrefix 应答信号名前缀
const responsePrefix = "Response"

// ResponseSignalName 返回 promise 信号对应的应答信号名
func ResponseSignalName(name string) string {
	return responsePrefix + name
}

// ResponseSignalID 返回 promise 信号对应的应答信号标识
func ResponseSignalID(name string) int32 {
	return SignalID(ResponseSignalName(name))
}
