package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, nil))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	header := make([]byte, 4)
	b, err := readFrame(&buf, header)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	b, err = readFrame(&buf, header)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestFrameTooBig(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, errors.Is(writeFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooBig))

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)
	_, err := readFrame(bytes.NewReader(hdr), make([]byte, 4))
	assert.True(t, errors.Is(err, ErrFrameTooBig))
}

func TestTCPLoopback(t *testing.T) {
	l, err := ListenTCP(TCPOpts{ListenAddr: "127.0.0.1:0", Logger: testLogger(t)})
	require.NoError(t, err)

	srv := &recorder{}
	srv.onMessage = func(c Conn, b []byte) {
		if string(b) == "quit" {
			c.Close()
			return
		}
		c.Send(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, srv) }()

	cli := &recorder{}
	d := &TCPDialer{Opts: TCPOpts{Logger: testLogger(t)}}
	c, err := d.Dial(context.Background(), l.Addr(), cli)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(u32(uint32(i))))
	}
	require.Eventually(t, func() bool { return cli.count() == n }, waitFor, 5*time.Millisecond)
	for i, m := range cli.messages() {
		assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(m))
	}

	require.NoError(t, c.Send([]byte("quit")))
	require.Eventually(t, func() bool { return cli.disconnects() == 1 && srv.disconnects() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, errors.Is(c.Send([]byte("x")), ErrClosed))

	cancel()
	require.NoError(t, <-served)
}

func TestTCPListenerCloseDisconnects(t *testing.T) {
	l, err := ListenTCP(TCPOpts{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	srv := &recorder{}
	go l.Serve(context.Background(), srv)

	cli := &recorder{}
	_, err = (&TCPDialer{}).Dial(context.Background(), l.Addr(), cli)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.connected()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, l.Close())
	require.Eventually(t, func() bool { return cli.disconnects() == 1 }, waitFor, 5*time.Millisecond)
}
