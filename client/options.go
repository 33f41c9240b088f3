package client

import (
	"time"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/transport"
)

// DefaultProtocolVersion 握手时上报的协议版本
const DefaultProtocolVersion = "1.0.0"

type Option func(opt *options)

type options struct {
	Logger           zscope.Logger
	ProtocolVersion  string
	PromiseTimeout   time.Duration
	HandshakeTimeout time.Duration
	FollowRedirects  bool
	MaxRedirects     int
	Dialer           transport.Dialer
	WorkPoolSize     int
	TracerName       string
	OnScopeEntered   []func(s *Scope)
	OnDisconnected   []func(c *Client, err error)
}

func defaultOptions() *options {
	return &options{
		ProtocolVersion:  DefaultProtocolVersion,
		PromiseTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxRedirects:     3,
		TracerName:       zscope.DefaultTracerName,
	}
}

// WithLogger 设置日志
func WithLogger(logger zscope.Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithProtocolVersion 设置握手时上报的协议版本（semver）
func WithProtocolVersion(v string) Option {
	return func(opt *options) {
		opt.ProtocolVersion = v
	}
}

// WithPromiseTimeout promise 默认超时，<= 0 不超时
func WithPromiseTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.PromiseTimeout = t
	}
}

// WithHandshakeTimeout 等待 Connect 应答的超时
func WithHandshakeTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.HandshakeTimeout = t
	}
}

// WithFollowRedirects 收到 RedirectMessage 时改连新节点，最多 n 次
func WithFollowRedirects(n int) Option {
	return func(opt *options) {
		opt.FollowRedirects = n > 0
		opt.MaxRedirects = n
	}
}

// WithDialer 设置传输层，默认 TCP
func WithDialer(d transport.Dialer) Option {
	return func(opt *options) {
		opt.Dialer = d
	}
}

// WithWorkPoolSize promise 回调协程池容量
func WithWorkPoolSize(size int) Option {
	return func(opt *options) {
		opt.WorkPoolSize = size
	}
}

// WithTracerName otel tracer 名称
func WithTracerName(name string) Option {
	return func(opt *options) {
		opt.TracerName = name
	}
}

// WithOnScopeEntered 进入（或切换到）scope 时回调
func WithOnScopeEntered(fn func(s *Scope)) Option {
	return func(opt *options) {
		opt.OnScopeEntered = append(opt.OnScopeEntered, fn)
	}
}

// WithOnDisconnected 连接断开时回调，err 为断开原因
func WithOnDisconnected(fn func(c *Client, err error)) Option {
	return func(opt *options) {
		opt.OnDisconnected = append(opt.OnDisconnected, fn)
	}
}
