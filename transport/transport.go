// Package transport 连接层：把有边界的字节消息在两端之间搬运
//
// 核心只依赖这里的接口；pipe、tcp、zmq、quic 是几种具体实现。
// 同一条连接上的 OnMessage 由单个协程按到达顺序串行调用。
package transport

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrClosed      = errors.New("transport: connection closed")
	ErrFrameTooBig = errors.New("transport: frame too big")
)

// MaxFrameSize 单条消息的最大长度
const MaxFrameSize = 1 << 24

// Conn 一条连接
type Conn interface {
	// ID 进程内唯一
	ID() string
	RemoteAddr() string
	// Send 发送一条完整消息，可并发调用
	Send(b []byte) error
	Close() error
}

// Handler 连接事件回调
type Handler interface {
	OnConnect(c Conn)
	// OnMessage b 的所有权交给 handler
	OnMessage(c Conn, b []byte)
	// OnDisconnect 每条连接只调用一次
	OnDisconnect(c Conn, err error)
}

// Listener 服务端监听
type Listener interface {
	// Serve 阻塞直到 ctx 结束或 Close
	Serve(ctx context.Context, h Handler) error
	Addr() string
	Close() error
}

// Dialer 客户端拨号
type Dialer interface {
	Dial(ctx context.Context, addr string, h Handler) (Conn, error)
}

// Logger 与 zscope.Logger 兼容的最小日志接口
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
