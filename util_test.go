package zscope

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIPs(t *testing.T) {
	ips, err := localIPs()
	require.NoError(t, err)
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		require.NotNil(t, parsed, ip)
		assert.NotNil(t, parsed.To4(), ip)
		assert.False(t, parsed.IsLoopback(), ip)
	}
}

func TestDefaultNode(t *testing.T) {
	n := DefaultNode()
	assert.NotEmpty(t, n.NodeID)
	assert.NotEmpty(t, n.ServiceName)
	assert.Equal(t, "tcp", n.Transport)
	assert.Equal(t, 10080, n.Port)
	assert.NotEqual(t, n.NodeID, DefaultNode().NodeID)
}
