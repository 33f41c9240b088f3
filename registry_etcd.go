package zscope

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	_ ServiceRegister = (*etcdRegister)(nil)
	_ ServiceDiscover = (*etcdDiscover)(nil)
)

type etcdRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	key     string
	last    []byte
	cnf     *RegisterConfig
	client  *clientv3.Client
	leaseID clientv3.LeaseID // 租约 id
}

// NewEtcdRegister etcd 节点注册，key 为 <prefix>/<service>/<nodeid>
func NewEtcdRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.normalize()
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cnf.Registries,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "etcd register")
	}

	node := cnf.Node.Snapshot()
	key := strings.Join([]string{cnf.ServicePrefix, node.ServiceName, node.NodeID}, "/")
	ctx, cancel := context.WithCancel(context.Background())
	return &etcdRegister{
		ctx:    ctx,
		cancel: cancel,

		key:    key,
		cnf:    cnf,
		client: etcdClient,
	}, nil
}

// Register 注册节点，之后每个心跳周期续租并在节点状态变化时更新元数据
func (er *etcdRegister) Register() {
	tick := time.NewTicker(er.cnf.HeartBeatPeriod)
	defer tick.Stop()

	for {
		if er.leaseID > 0 {
			if err := er.leaseRenewal(); err != nil {
				er.cnf.Logger.Warnf("etcd register: key: %s, leaseid: %d, err: %v", er.key, er.leaseID, err)
				er.leaseID = 0
			} else {
				er.cnf.Logger.Debugf("etcd register: key: %s renewal succ", er.key)
			}
		} else {
			if err := er.register(); err != nil {
				er.cnf.Logger.Warnf("etcd register: key: %s register fail, err: %v", er.key, err)
			} else {
				er.cnf.Logger.Infof("etcd register: key: %s register succ", er.key)
			}
		}

		select {
		case <-er.ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (er *etcdRegister) register() error {
	ctx, cancel := context.WithTimeout(er.ctx, time.Second*5)
	defer cancel()
	resp, err := er.client.Grant(ctx, int64(er.cnf.HeartBeatPeriod.Seconds())+3)
	if err != nil {
		return err
	}

	metadata, err := er.cnf.Node.Marshal()
	if err != nil {
		return err
	}
	if _, err = er.client.Put(ctx, er.key, string(metadata), clientv3.WithLease(resp.ID)); err != nil {
		return err
	}
	er.leaseID = resp.ID
	er.last = metadata
	return nil
}

// 续租，节点状态有变化时一并更新
func (er *etcdRegister) leaseRenewal() error {
	ctx, cancel := context.WithTimeout(er.ctx, time.Second*5)
	defer cancel()
	if _, err := er.client.KeepAliveOnce(ctx, er.leaseID); err != nil {
		return err
	}

	metadata, err := er.cnf.Node.Marshal()
	if err != nil || bytes.Equal(metadata, er.last) {
		return err
	}
	if _, err = er.client.Put(ctx, er.key, string(metadata), clientv3.WithLease(er.leaseID)); err != nil {
		return err
	}
	er.last = metadata
	return nil
}

// Deregister 注销节点
func (er *etcdRegister) Deregister() {
	er.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := er.client.Delete(ctx, er.key); err != nil {
		er.cnf.Logger.Errorf("etcd register: key: %s deregister fail, err: %v", er.key, err)
	}
	er.client.Close()
}

type etcdDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	prefix string
	cnf    *DiscoverConfig
	client *clientv3.Client
}

// NewEtcdDiscover etcd 服务发现
func NewEtcdDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.normalize()
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cnf.Registries,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "etcd discover")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdDiscover{
		ctx:    ctx,
		cancel: cancel,

		prefix: strings.Join([]string{cnf.ServicePrefix, cnf.ServiceName}, "/") + "/",
		cnf:    cnf,
		client: etcdClient,
	}, nil
}

// Watch 监控节点变化
func (ed *etcdDiscover) Watch(callback WatchCallback) {
	ed.getAllService(callback)

	watch := ed.client.Watch(ed.ctx, ed.prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ed.ctx.Done():
			return
		case ret, ok := <-watch:
			if !ok {
				return
			}
			if err := ret.Err(); err != nil {
				ed.cnf.Logger.Errorf("etcd discover: watch err, err: %v", err)
				continue
			}
			for _, event := range ret.Events {
				if event.Kv == nil {
					continue
				}

				nodeid := lastSegment(string(event.Kv.Key))
				switch event.Type {
				case clientv3.EventTypePut:
					if err := callback.AddOrUpdate(nodeid, event.Kv.Value); err != nil {
						ed.cnf.Logger.Warnf("etcd discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
					}
				case clientv3.EventTypeDelete:
					callback.Delete(nodeid)
				}
			}
		}
	}
}

func (ed *etcdDiscover) getAllService(callback WatchCallback) {
	ctx, cancel := context.WithTimeout(ed.ctx, time.Second*5)
	defer cancel()
	result, err := ed.client.Get(ctx, ed.prefix, clientv3.WithPrefix())
	if err != nil {
		ed.cnf.Logger.Warnf("etcd discover: etcd-client Get() fail, err: %v", err)
		return
	}

	for _, kv := range result.Kvs {
		nodeid := lastSegment(string(kv.Key))
		if err := callback.AddOrUpdate(nodeid, kv.Value); err != nil {
			ed.cnf.Logger.Warnf("etcd discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
		}
	}
}

// Stop 停止监控
func (ed *etcdDiscover) Stop() {
	ed.cancel()
	ed.client.Close()
}

func lastSegment(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
