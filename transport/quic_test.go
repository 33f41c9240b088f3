package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQUICEcho(t *testing.T) {
	l, err := ListenQUIC(QUICOpts{ListenAddr: "127.0.0.1:0", Logger: testLogger(t)})
	require.NoError(t, err)

	srv := &recorder{}
	srv.onMessage = func(c Conn, b []byte) { c.Send(append([]byte("echo:"), b...)) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, srv)

	cli := &recorder{}
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	c, err := (&QUICDialer{}).Dial(dctx, l.Addr(), cli)
	require.NoError(t, err)

	// 流在首次写入后才被服务端接受
	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))
	require.Eventually(t, func() bool { return cli.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo:one", string(cli.messages()[0]))
	assert.Equal(t, "echo:two", string(cli.messages()[1]))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.disconnects() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSelfSignedTLSConfig(t *testing.T) {
	conf, err := SelfSignedTLSConfig()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	assert.Equal(t, []string{QUICProto}, conf.NextProtos)
}
