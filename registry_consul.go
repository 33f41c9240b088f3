package zscope

import (
	"context"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

// consul 服务的 tag 及存放节点信息的 meta key
const (
	consulTag     = "zscope"
	consulNodeKey = "node"
)

var (
	_ ServiceRegister = (*consulRegister)(nil)
	_ ServiceDiscover = (*consulDiscover)(nil)
)

type consulRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf    *RegisterConfig
	client *consulapi.Client
}

// NewConsulRegister consul 节点注册，TCP 健康检查指向节点监听地址
func NewConsulRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.normalize()
	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "consul register")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulRegister{
		ctx:    ctx,
		cancel: cancel,

		cnf:    cnf,
		client: consulClient,
	}, nil
}

// Register 注册节点，之后每个心跳周期以最新状态重新注册
func (cr *consulRegister) Register() {
	tick := time.NewTicker(cr.cnf.HeartBeatPeriod)
	defer tick.Stop()

	for {
		if err := cr.register(); err != nil {
			cr.cnf.Logger.Warnf("consul register: registry fail, err: %v", err)
		}

		select {
		case <-cr.ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (cr *consulRegister) register() error {
	node := cr.cnf.Node.Snapshot()
	metadata, err := cr.cnf.Node.Marshal()
	if err != nil {
		return err
	}

	registration := &consulapi.AgentServiceRegistration{
		Kind:    consulapi.ServiceKindTypical,
		Address: node.Host,
		Port:    node.Port,
		Meta: map[string]string{
			"service_name": node.ServiceName,
			"nodeid":       node.NodeID,
			consulNodeKey:  string(metadata),
		},
		ID:   node.NodeID,
		Name: node.ServiceName,
		Tags: []string{consulTag},
	}
	if node.Transport == "tcp" {
		registration.Checks = []*consulapi.AgentServiceCheck{{
			Name:                           "peer-endpoint",
			TCP:                            node.Address(),
			Interval:                       "7s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		}}
	}
	return cr.client.Agent().ServiceRegister(registration)
}

// Deregister 注销节点
func (cr *consulRegister) Deregister() {
	cr.cancel()
	if id := cr.cnf.Node.Snapshot().NodeID; id != "" {
		if err := cr.client.Agent().ServiceDeregister(id); err != nil {
			cr.cnf.Logger.Warnf("consul register: deregister %s fail, err: %v", id, err)
		}
	}
}

type consulDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf    *DiscoverConfig
	client *consulapi.Client
}

// NewConsulDiscover consul 服务发现
func NewConsulDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.normalize()
	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "consul discover")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulDiscover{
		ctx:    ctx,
		cancel: cancel,

		cnf:    cnf,
		client: consulClient,
	}, nil
}

// Watch 监控节点变化
func (cd *consulDiscover) Watch(callback WatchCallback) {
	var lastIndex uint64
	known := make(map[string]struct{})
	for {
		select {
		case <-cd.ctx.Done():
			return
		default:
		}

		services, querymeta, err := cd.client.Health().Service(cd.cnf.ServiceName, consulTag, false, (&consulapi.QueryOptions{
			WaitIndex: lastIndex, // 阻塞直到有新的更新
			WaitTime:  time.Minute,
		}).WithContext(cd.ctx))
		if err != nil {
			if cd.ctx.Err() != nil {
				return
			}
			cd.cnf.Logger.Warnf("consul discover: watch fail, err: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		lastIndex = querymeta.LastIndex

		seen := make(map[string]struct{}, len(services))
		for _, service := range services {
			meta := service.Service.Meta
			nodeid, ok := meta["nodeid"]
			if !ok {
				continue
			}
			switch service.Checks.AggregatedStatus() {
			case consulapi.HealthPassing:
				seen[nodeid] = struct{}{}
				if err := callback.AddOrUpdate(nodeid, []byte(meta[consulNodeKey])); err != nil {
					cd.cnf.Logger.Warnf("consul discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
				}
			case consulapi.HealthWarning, consulapi.HealthCritical:
				callback.Delete(nodeid)
			}
		}
		for nodeid := range known {
			if _, ok := seen[nodeid]; !ok {
				callback.Delete(nodeid)
			}
		}
		known = seen
	}
}

// Stop 停止监控
func (cd *consulDiscover) Stop() {
	cd.cancel()
}
