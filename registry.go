package zscope

import "time"

// RegisterConfig 节点注册所需配置
type RegisterConfig struct {
	Registries      []string      // 注册中心 endpoint
	ServicePrefix   string        // 服务前缀
	HeartBeatPeriod time.Duration // 心跳间隔，同时也是节点状态刷新间隔
	Node            *NodeState
	Logger          Logger
}

func (c *RegisterConfig) normalize() {
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	if c.HeartBeatPeriod <= 0 {
		c.HeartBeatPeriod = 10 * time.Second
	}
	if c.ServicePrefix == "" {
		c.ServicePrefix = "/zscope"
	}
}

// ServiceRegister 节点注册
type ServiceRegister interface {
	// Register 注册节点并周期性刷新节点状态，直到 Deregister
	Register()
	// Deregister 注销节点
	Deregister()
}

// DiscoverConfig 服务发现所需配置
type DiscoverConfig struct {
	Registries    []string // 注册中心 endpoint
	ServicePrefix string   // 服务前缀
	ServiceName   string
	Logger        Logger
}

func (c *DiscoverConfig) normalize() {
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	if c.ServicePrefix == "" {
		c.ServicePrefix = "/zscope"
	}
}

// ServiceDiscover 服务发现
type ServiceDiscover interface {
	// Watch 监控节点变化，阻塞直到 Stop
	Watch(callback WatchCallback)
	// Stop 停止监控
	Stop()
}

// WatchCallback 节点变更事件回调
type WatchCallback interface {
	AddOrUpdate(nodeid string, metadata []byte) error
	Delete(nodeid string)
}

// RegisterDiscover 服务注册与发现
type RegisterDiscover interface {
	ServiceRegister
	ServiceDiscover
}

type registerDiscover struct {
	ServiceRegister
	ServiceDiscover
}

// NewRegisterDiscover 组合注册与发现组件
func NewRegisterDiscover(r ServiceRegister, d ServiceDiscover) RegisterDiscover {
	return registerDiscover{ServiceRegister: r, ServiceDiscover: d}
}
