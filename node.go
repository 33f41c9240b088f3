package zscope

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"
)

// Node 节点信息，注册到注册中心时使用 json 序列化，以便查看
type Node struct {
	ServiceName string `json:"service_name" msgpack:"service_name"`
	NodeID      string `json:"nodeid" msgpack:"nodeid"`
	Transport   string `json:"transport" msgpack:"transport"` // tcp、zmq、quic
	Host        string `json:"host" msgpack:"host"`
	Port        int    `json:"port" msgpack:"port"`
	Peers       int    `json:"peers" msgpack:"peers"`
	MaxPeers    int    `json:"max_peers" msgpack:"max_peers"`
	IsIdle      bool   `json:"is_idle" msgpack:"is_idle"`
}

// Address host:port
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// DefaultNode 根据本机地址生成的默认节点信息
func DefaultNode() Node {
	host := "0.0.0.0"
	if ips, _ := localIPs(); len(ips) > 0 {
		host = ips[0]
	}
	return Node{
		ServiceName: serviceName(),
		NodeID:      uuid.NewUUID().String(),
		Transport:   "tcp",
		Host:        host,
		Port:        10080,
		IsIdle:      true,
	}
}

// idleThreshold 在线人数超过容量的该比例后不再接收重定向过来的玩家
const idleThreshold = 0.8

// NodeState 本节点的运行状态
type NodeState struct {
	lock  sync.RWMutex
	node  Node
	peers int64
}

func NewNodeState(node Node) *NodeState {
	return &NodeState{node: node}
}

func (s *NodeState) setPeers(n int) {
	atomic.StoreInt64(&s.peers, int64(n))
}

// Snapshot 当前节点信息
func (s *NodeState) Snapshot() Node {
	s.lock.RLock()
	n := s.node
	s.lock.RUnlock()
	n.Peers = int(atomic.LoadInt64(&s.peers))
	if n.MaxPeers > 0 {
		n.IsIdle = float64(n.Peers)/float64(n.MaxPeers) <= idleThreshold
	} else {
		n.IsIdle = true
	}
	return n
}

// Update 修改节点信息
func (s *NodeState) Update(fn func(n *Node)) {
	s.lock.Lock()
	fn(&s.node)
	s.lock.Unlock()
}

// Marshal 注册中心所存的元数据
func (s *NodeState) Marshal() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
