package zscope

import (
	"bytes"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

var (
	_ ServiceRegister = (*zookeeperRegister)(nil)
	_ ServiceDiscover = (*zookeeperDiscover)(nil)
)

type zookeeperRegister struct {
	cnf    *RegisterConfig
	client *zk.Conn
	done   chan struct{}
	last   []byte
}

// NewZookeeperRegister zookeeper 节点注册，节点为临时节点 <prefix>/<service>/<nodeid>
func NewZookeeperRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.normalize()
	zkClient, _, err := zk.Connect(cnf.Registries, time.Second*5)
	if err != nil {
		return nil, errors.WithMessage(err, "zookeeper register")
	}

	return &zookeeperRegister{
		cnf:    cnf,
		client: zkClient,
		done:   make(chan struct{}),
	}, nil
}

// Register 注册节点，之后每个心跳周期同步节点状态
func (zr *zookeeperRegister) Register() {
	tick := time.NewTicker(zr.cnf.HeartBeatPeriod)
	defer tick.Stop()

	for {
		if err := zr.register(); err != nil {
			zr.cnf.Logger.Warnf("zookeeper register: path %s register fail, err: %v", zr.key(), err)
		}

		select {
		case <-zr.done:
			return
		case <-tick.C:
		}
	}
}

func (zr *zookeeperRegister) register() error {
	metadata, err := zr.cnf.Node.Marshal()
	if err != nil {
		return err
	}
	if err := zr.createPNode(); err != nil {
		return err
	}

	exist, stat, err := zr.client.Exists(zr.key())
	if err != nil {
		return err
	}
	if !exist {
		// 临时节点，会话断开后自动删除
		_, err = zr.client.Create(zr.key(), metadata, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			zr.last = metadata
		}
		return err
	}

	if bytes.Equal(metadata, zr.last) {
		return nil
	}
	if _, err = zr.client.Set(zr.key(), metadata, stat.Version); err != nil {
		return err
	}
	zr.last = metadata
	return nil
}

func (zr *zookeeperRegister) createPNode() error {
	pathPrefix := ""
	for _, seq := range strings.Split(zr.node(), "/") {
		if len(seq) == 0 {
			continue
		}

		pathPrefix = pathPrefix + "/" + seq
		exist, _, err := zr.client.Exists(pathPrefix)
		if err != nil {
			return err
		}

		if !exist {
			// 持久节点
			_, err = zr.client.Create(pathPrefix, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (zr *zookeeperRegister) node() string {
	return strings.Join([]string{zr.cnf.ServicePrefix, zr.cnf.Node.Snapshot().ServiceName}, "/")
}

func (zr *zookeeperRegister) key() string {
	return zr.node() + "/" + zr.cnf.Node.Snapshot().NodeID
}

// Deregister 注销节点，关闭会话后临时节点随之删除
func (zr *zookeeperRegister) Deregister() {
	close(zr.done)
	if zr.client != nil {
		zr.client.Close()
	}
}

type zookeeperDiscover struct {
	cnf    *DiscoverConfig
	client *zk.Conn
	done   chan struct{}

	version map[string]int32
}

// NewZookeeperDiscover zookeeper 服务发现
func NewZookeeperDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.normalize()
	zkClient, _, err := zk.Connect(cnf.Registries, time.Second*5)
	if err != nil {
		return nil, errors.WithMessage(err, "zookeeper discover")
	}

	return &zookeeperDiscover{
		cnf:     cnf,
		client:  zkClient,
		done:    make(chan struct{}),
		version: map[string]int32{},
	}, nil
}

// Watch 监控节点变化：子节点列表变化时重新同步一遍
func (zd *zookeeperDiscover) Watch(callback WatchCallback) {
	for {
		children, _, eventch, err := zd.client.ChildrenW(zd.node())
		if err != nil {
			if err == zk.ErrConnectionClosed {
				return
			}
			zd.cnf.Logger.Warnf("zookeeper discover: watch path:%s fail, err: %v", zd.node(), err)
			select {
			case <-zd.done:
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		zd.sync(children, callback)

		// 节点数据变化不会触发子节点 watch，定期重新同步
		select {
		case <-zd.done:
			return
		case <-eventch:
		case <-time.After(zkResyncInterval):
		}
	}
}

const zkResyncInterval = 10 * time.Second

func (zd *zookeeperDiscover) sync(children []string, callback WatchCallback) {
	alive := make(map[string]struct{}, len(children))
	for _, nodeid := range children {
		path := zd.key(nodeid)
		data, stat, err := zd.client.Get(path)
		if err != nil {
			if err != zk.ErrNoNode {
				zd.cnf.Logger.Warnf("zookeeper discover: get path:%s fail, err: %v", path, err)
			}
			continue
		}
		alive[nodeid] = struct{}{}
		if v, ok := zd.version[nodeid]; ok && v == stat.Version {
			continue
		}
		zd.version[nodeid] = stat.Version
		if err := callback.AddOrUpdate(nodeid, data); err != nil {
			zd.cnf.Logger.Warnf("zookeeper discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
		}
	}

	for nodeid := range zd.version {
		if _, ok := alive[nodeid]; !ok {
			delete(zd.version, nodeid)
			callback.Delete(nodeid)
		}
	}
}

func (zd *zookeeperDiscover) node() string {
	return strings.Join([]string{zd.cnf.ServicePrefix, zd.cnf.ServiceName}, "/")
}

func (zd *zookeeperDiscover) key(nodeid string) string {
	return zd.node() + "/" + nodeid
}

// Stop 停止监控
func (zd *zookeeperDiscover) Stop() {
	close(zd.done)
	if zd.client != nil {
		zd.client.Close()
	}
}
