package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestZMQEcho(t *testing.T) {
	endpoint := fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t))
	opts := ZMQOpts{Endpoint: endpoint, HeartbeatInterval: 50 * time.Millisecond, Logger: testLogger(t)}
	l, err := ListenZMQ(opts)
	require.NoError(t, err)

	srv := &recorder{}
	srv.onMessage = func(c Conn, b []byte) { c.Send(append([]byte("echo:"), b...)) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, srv)

	cli := &recorder{}
	c, err := (&ZMQDialer{Opts: opts}).Dial(context.Background(), endpoint, cli)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send([]byte(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return cli.count() == 10 }, 5*time.Second, 10*time.Millisecond)
	for i, m := range cli.messages() {
		assert.Equal(t, fmt.Sprintf("echo:%d", i), string(m))
	}

	// 心跳维持连接
	time.Sleep(5 * opts.HeartbeatInterval)
	assert.Equal(t, 0, srv.disconnects())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.disconnects() == 1 && cli.disconnects() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestZMQCloseSendsBye(t *testing.T) {
	endpoint := fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t))
	// 心跳超时 3s，断开必须来自 bye 帧
	opts := ZMQOpts{Endpoint: endpoint, HeartbeatInterval: time.Second, Logger: testLogger(t)}
	l, err := ListenZMQ(opts)
	require.NoError(t, err)

	srv := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, srv)

	for i := 1; i <= 5; i++ {
		cli := &recorder{}
		c, err := (&ZMQDialer{Opts: opts}).Dial(context.Background(), endpoint, cli)
		require.NoError(t, err)
		require.NoError(t, c.Send([]byte("hi")))
		require.Eventually(t, func() bool {
			srv.mu.Lock()
			defer srv.mu.Unlock()
			return len(srv.conns) >= i
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, c.Close())
		require.Eventually(t, func() bool { return srv.disconnects() == i }, opts.HeartbeatInterval, 5*time.Millisecond)
		srv.mu.Lock()
		assert.NoError(t, srv.discErr)
		srv.mu.Unlock()
	}
}

func TestZMQEndpointRequired(t *testing.T) {
	_, err := ListenZMQ(ZMQOpts{})
	assert.Error(t, err)
}
