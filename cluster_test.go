package zscope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeMeta(t *testing.T, n Node) []byte {
	b, err := json.Marshal(n)
	require.NoError(t, err)
	return b
}

func TestClusterAddOrUpdate(t *testing.T) {
	c := NewCluster("self", NopLogger())

	require.NoError(t, c.AddOrUpdate("self", nodeMeta(t, Node{NodeID: "self", Host: "10.0.0.1", Port: 1})))
	assert.Empty(t, c.Nodes())

	require.NoError(t, c.AddOrUpdate("a", nodeMeta(t, Node{Host: "10.0.0.2", Port: 1, IsIdle: true})))
	require.NoError(t, c.AddOrUpdate("b", nodeMeta(t, Node{NodeID: "b", Host: "10.0.0.3", Port: 1})))
	nodes := c.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].NodeID)

	// 同一地址上的新节点替换旧记录
	require.NoError(t, c.AddOrUpdate("c", nodeMeta(t, Node{NodeID: "c", Host: "10.0.0.2", Port: 1})))
	nodes = c.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "b", nodes[0].NodeID)
	assert.Equal(t, "c", nodes[1].NodeID)

	c.Delete("b")
	assert.Len(t, c.Nodes(), 1)

	assert.Error(t, c.AddOrUpdate("d", []byte("{")))
}

func TestClusterSelectNode(t *testing.T) {
	c := NewCluster("", NopLogger())
	_, ok := c.SelectNode()
	assert.False(t, ok)

	require.NoError(t, c.AddOrUpdate("busy", nodeMeta(t, Node{NodeID: "busy", Host: "h1", Port: 1})))
	_, ok = c.SelectNode()
	assert.False(t, ok)

	require.NoError(t, c.AddOrUpdate("idle", nodeMeta(t, Node{NodeID: "idle", Host: "h2", Port: 2, IsIdle: true})))
	for i := 0; i < 20; i++ {
		n, ok := c.SelectNode()
		require.True(t, ok)
		assert.Equal(t, "idle", n.NodeID)
		assert.Equal(t, "h2:2", n.Address())
	}
}

func TestNodeStateIdle(t *testing.T) {
	s := NewNodeState(Node{MaxPeers: 10})
	s.setPeers(8)
	assert.True(t, s.Snapshot().IsIdle)
	s.setPeers(9)
	assert.False(t, s.Snapshot().IsIdle)
	assert.Equal(t, 9, s.Snapshot().Peers)

	s.Update(func(n *Node) { n.MaxPeers = 0 })
	assert.True(t, s.Snapshot().IsIdle)

	b, err := s.Marshal()
	require.NoError(t, err)
	var n Node
	require.NoError(t, json.Unmarshal(b, &n))
	assert.Equal(t, 9, n.Peers)
}
