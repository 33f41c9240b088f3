package zscope

import "time"

type Option func(opt *options)

type options struct {
	Logger             Logger           // logger
	MaxPeers           int              // 最大在线人数，0 不限
	PromiseTimeout     time.Duration    // 服务端发起的 promise 默认超时
	WorkPoolSize       int              // 工作池大小，0 不限
	ProtocolConstraint string           // 客户端协议版本约束（semver），空则不检查
	Redirector         Redirector       // 满员时挑选其他节点
	RegisterDiscover   RegisterDiscover // 服务发现和注册
	Node               Node             // 节点信息
	NodeState          *NodeState       // 与注册中心共享的节点状态，设置后 Node 不生效
	TracerName         string           // otel tracer 名称
}

func defaultOptions() *options {
	return &options{
		PromiseTimeout: 30 * time.Second,
		Node:           DefaultNode(),
		TracerName:     DefaultTracerName,
	}
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithMaxPeers 最大在线人数，超出后新连接被重定向或拒绝
func WithMaxPeers(n int) Option {
	return func(opt *options) {
		opt.MaxPeers = n
	}
}

// WithPromiseTimeout 服务端发起的 promise 默认超时，<= 0 不超时
func WithPromiseTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.PromiseTimeout = t
	}
}

// WithWorkPoolSize 设置工作池大小（默认无限大）
func WithWorkPoolSize(size int) Option {
	return func(opt *options) {
		opt.WorkPoolSize = size
	}
}

// WithProtocolConstraint 客户端 Connect 携带的协议版本需满足该约束，如 "^1.2"
func WithProtocolConstraint(c string) Option {
	return func(opt *options) {
		opt.ProtocolConstraint = c
	}
}

// WithRedirector 满员时的节点选择器
//
//	配置了 RegisterDiscover 而未配置 Redirector 时使用服务发现得到的节点
func WithRedirector(r Redirector) Option {
	return func(opt *options) {
		opt.Redirector = r
	}
}

// WithRegisterDiscover 服务注册与发现
func WithRegisterDiscover(rd RegisterDiscover) Option {
	return func(opt *options) {
		opt.RegisterDiscover = rd
	}
}

// WithNode 设置本节点信息
func WithNode(node Node) Option {
	return func(opt *options) {
		opt.Node = node
	}
}

// WithNodeState 使用外部创建的节点状态，通常与 RegisterConfig.Node 为同一个
func WithNodeState(state *NodeState) Option {
	return func(opt *options) {
		opt.NodeState = state
	}
}

// WithTracerName 设置 otel tracer 名称
func WithTracerName(name string) Option {
	return func(opt *options) {
		opt.TracerName = name
	}
}
