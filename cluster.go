package zscope

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Redirector 本节点满员时为新连接挑选其他节点
type Redirector interface {
	SelectNode() (Node, bool)
}

var (
	_ Redirector    = (*Cluster)(nil)
	_ WatchCallback = (*Cluster)(nil)
)

// Cluster 通过服务发现维护的平行节点列表
type Cluster struct {
	self   string
	logger Logger

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewCluster self 为本节点 id，发现到的本节点会被忽略
func NewCluster(self string, logger Logger) *Cluster {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Cluster{
		self:   self,
		logger: logger,
		nodes:  make(map[string]Node),
	}
}

// AddOrUpdate 节点上线或状态变化
func (c *Cluster) AddOrUpdate(nodeid string, metadata []byte) error {
	if nodeid == c.self {
		return nil
	}

	var node Node
	if err := json.Unmarshal(metadata, &node); err != nil {
		return errors.Wrapf(err, "cluster: decode node %s", nodeid)
	}
	if node.NodeID == "" {
		node.NodeID = nodeid
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// 同一地址上重启的节点会换 id，旧记录作废
	for id, n := range c.nodes {
		if id != node.NodeID && n.Address() == node.Address() {
			delete(c.nodes, id)
		}
	}
	c.nodes[node.NodeID] = node
	c.logger.Debugf("cluster: node %s at %s, peers %d/%d", node.NodeID, node.Address(), node.Peers, node.MaxPeers)
	return nil
}

// Delete 节点下线
func (c *Cluster) Delete(nodeid string) {
	c.mu.Lock()
	delete(c.nodes, nodeid)
	c.mu.Unlock()
}

// Nodes 所有已知平行节点，按 id 排序
func (c *Cluster) Nodes() []Node {
	c.mu.RLock()
	nodes := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

// SelectNode 从随机位置开始找第一个空闲节点
func (c *Cluster) SelectNode() (Node, bool) {
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return Node{}, false
	}

	i := rand.Intn(len(nodes))
	for j := 0; j < len(nodes); j++ {
		if nodes[i].IsIdle {
			return nodes[i], true
		}
		i = (i + 1) % len(nodes)
	}
	return Node{}, false
}
