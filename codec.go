package zscope

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxLength 字符串、字节串及列表的最大声明长度
const MaxLength = 1 << 24

// ChannelID 连接内 scope 的路由键
type ChannelID int16

// SystemChannel 系统通知所用的固定通道
const SystemChannel ChannelID = 0

// ScopeKind 两端在编译期约定的 scope 类型编号
type ScopeKind uint16

// Serializable 可以自行编解码的对象
type Serializable interface {
	Serialize(w *Writer)
	Deserialize(r *Reader) error
}

// Writer 小端序写入缓冲
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes 返回已写入的数据
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteInt8(v int8)   { w.buf = append(w.buf, byte(v)) }
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteString int32 字节长度 + UTF-8
func (w *Writer) WriteString(v string) {
	w.WriteInt32(int32(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteBytes int32 长度 + 原始字节
func (w *Writer) WriteBytes(v []byte) {
	w.WriteInt32(int32(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteTime 以 unix 纳秒写入
func (w *Writer) WriteTime(t time.Time) { w.WriteInt64(t.UnixNano()) }

func (w *Writer) WriteChannelID(id ChannelID) { w.WriteInt16(int16(id)) }
func (w *Writer) WriteScopeKind(k ScopeKind)  { w.WriteUint16(uint16(k)) }
func (w *Writer) WriteSignalID(id int32)      { w.WriteInt32(id) }

// WriteObject 写入可序列化对象
func (w *Writer) WriteObject(v Serializable) { v.Serialize(w) }

// WriteMsgpack 以 msgpack 编码 v 并作为字节串写入
func (w *Writer) WriteMsgpack(v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.WithMessage(err, "zscope: msgpack encode")
	}
	w.WriteBytes(b)
	return nil
}

// Reader 读取缓冲，任何越界读取都返回 ErrMalformedMessage
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining 未读取的字节数
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Rest 返回剩余数据（不拷贝）
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, errors.Wrapf(ErrMalformedMessage, "need %d bytes at offset %d, have %d", n, r.off, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(ErrMalformedMessage, "invalid bool byte %d", v)
}

func (r *Reader) readLength() (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > MaxLength {
		return 0, errors.Wrapf(ErrMalformedMessage, "length %d out of range", n)
	}
	return int(n), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.readLength()
	if err != nil {
		return "", err
	}
	b, err := r.next(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes 返回数据的拷贝
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadTime() (time.Time, error) {
	v, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, v), nil
}

func (r *Reader) ReadChannelID() (ChannelID, error) {
	v, err := r.ReadInt16()
	return ChannelID(v), err
}

func (r *Reader) ReadScopeKind() (ScopeKind, error) {
	v, err := r.ReadUint16()
	return ScopeKind(v), err
}

func (r *Reader) ReadSignalID() (int32, error) { return r.ReadInt32() }

// ReadObject 读入可序列化对象
func (r *Reader) ReadObject(v Serializable) error { return v.Deserialize(r) }

// ReadMsgpack 读取 WriteMsgpack 写入的值
func (r *Reader) ReadMsgpack(v any) error {
	b, err := r.ReadBytes()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return errors.Wrapf(ErrMalformedMessage, "msgpack decode: %v", err)
	}
	return nil
}

// WriteList 写入长度前缀的序列
func WriteList[T any](w *Writer, items []T, enc func(*Writer, T)) {
	w.WriteInt32(int32(len(items)))
	for _, item := range items {
		enc(w, item)
	}
}

// ReadList 读取 WriteList 写入的序列
func ReadList[T any](r *Reader, dec func(*Reader) (T, error)) ([]T, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	// 每个元素至少占 1 字节，据此拒绝明显超出缓冲的长度
	if n > r.Remaining() {
		return nil, errors.Wrapf(ErrMalformedMessage, "list of %d items exceeds %d remaining bytes", n, r.Remaining())
	}
	items := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, err := dec(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// WriteMap 写入长度前缀的键值序列
func WriteMap[K comparable, V any](w *Writer, m map[K]V, encKey func(*Writer, K), encVal func(*Writer, V)) {
	w.WriteInt32(int32(len(m)))
	for k, v := range m {
		encKey(w, k)
		encVal(w, v)
	}
}

// ReadMap 读取 WriteMap 写入的键值序列
func ReadMap[K comparable, V any](r *Reader, decKey func(*Reader) (K, error), decVal func(*Reader) (V, error)) (map[K]V, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if n > r.Remaining() {
		return nil, errors.Wrapf(ErrMalformedMessage, "map of %d entries exceeds %d remaining bytes", n, r.Remaining())
	}
	m := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k, err := decKey(r)
		if err != nil {
			return nil, err
		}
		v, err := decVal(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// WriteObjects 写入可序列化对象列表
func WriteObjects[T Serializable](w *Writer, items []T) {
	WriteList(w, items, func(w *Writer, v T) { v.Serialize(w) })
}

// ReadObjects 读取可序列化对象列表，newT 为每个元素构造零值
func ReadObjects[T Serializable](r *Reader, newT func() T) ([]T, error) {
	return ReadList(r, func(r *Reader) (T, error) {
		v := newT()
		err := v.Deserialize(r)
		return v, err
	})
}
