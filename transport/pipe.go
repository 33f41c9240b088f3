package transport

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// pipeConn 内存连接的一端；每端一个投递协程，按发送顺序回调 OnMessage
type pipeConn struct {
	id     string
	remote string
	h      Handler
	other  *pipeConn
	inbox  *mailbox

	closed *int32 // 两端共享
}

func newPipeConn(remote string, h Handler, closed *int32) *pipeConn {
	return &pipeConn{
		id:     uuid.NewUUID().String(),
		remote: remote,
		h:      h,
		inbox:  newMailbox(),
		closed: closed,
	}
}

func (c *pipeConn) ID() string         { return c.id }
func (c *pipeConn) RemoteAddr() string { return c.remote }

func (c *pipeConn) Send(b []byte) error {
	if atomic.LoadInt32(c.closed) == 1 {
		return ErrClosed
	}
	if len(b) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooBig, "%d bytes", len(b))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if !c.other.inbox.push(cp) {
		return ErrClosed
	}
	return nil
}

// Close 两端在投递完已发送的消息后各自回调 OnDisconnect
func (c *pipeConn) Close() error {
	if !atomic.CompareAndSwapInt32(c.closed, 0, 1) {
		return nil
	}
	c.inbox.shutdown(nil)
	c.other.inbox.shutdown(io.EOF)
	return nil
}

func (c *pipeConn) loop() {
	c.inbox.run(
		func(b []byte) { c.h.OnMessage(c, b) },
		func(err error) { c.h.OnDisconnect(c, err) },
	)
}

// NewPipe 创建一对相连的内存连接，a 的消息投递给 hb，b 的消息投递给 ha
func NewPipe(ha, hb Handler) (Conn, Conn) {
	closed := new(int32)
	a := newPipeConn("pipe-b", ha, closed)
	b := newPipeConn("pipe-a", hb, closed)
	a.other, b.other = b, a

	ha.OnConnect(a)
	hb.OnConnect(b)
	go a.loop()
	go b.loop()
	return a, b
}

var (
	_ Listener = (*PipeListener)(nil)
	_ Dialer   = (*PipeListener)(nil)
)

// PipeListener 进程内监听，同时也是连向自己的 Dialer
type PipeListener struct {
	addr  string
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	h     Handler
	seq   int64
	conns []*pipeConn
}

func NewPipeListener(addr string) *PipeListener {
	return &PipeListener{
		addr:  addr,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *PipeListener) Addr() string { return l.addr }

func (l *PipeListener) Serve(ctx context.Context, h Handler) error {
	l.mu.Lock()
	if l.h != nil {
		l.mu.Unlock()
		return errors.New("transport: pipe listener already serving")
	}
	l.h = h
	l.mu.Unlock()
	close(l.ready)

	select {
	case <-ctx.Done():
		l.Close()
	case <-l.done:
	}
	return nil
}

// Dial 等待 Serve 开始后建立连接，addr 被忽略
func (l *PipeListener) Dial(ctx context.Context, _ string, h Handler) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	case <-l.ready:
	}

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	l.seq++
	remote := l.addr + "#" + strconv.FormatInt(l.seq, 10)
	closed := new(int32)
	server := newPipeConn(remote, l.h, closed)
	client := newPipeConn(l.addr, h, closed)
	server.other, client.other = client, server
	l.conns = append(l.conns, server)
	sh := l.h
	l.mu.Unlock()

	sh.OnConnect(server)
	h.OnConnect(client)
	go server.loop()
	go client.loop()
	return client, nil
}

// Close 关闭所有连接
func (l *PipeListener) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		conns := l.conns
		l.conns = nil
		l.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return nil
}
