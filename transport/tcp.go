package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TCPOpts tcp 传输配置
type TCPOpts struct {
	ListenAddr  string
	DialTimeout time.Duration
	KeepAlive   time.Duration
	Logger      Logger
}

func (o *TCPOpts) prepare() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	o.Logger = orNop(o.Logger)
}

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener tcp 服务端
type TCPListener struct {
	opts     TCPOpts
	listener net.Listener

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

// ListenTCP 立即绑定地址，Serve 开始接收连接
func ListenTCP(opts TCPOpts) (*TCPListener, error) {
	opts.prepare()
	lc := net.ListenConfig{KeepAlive: opts.KeepAlive}
	l, err := lc.Listen(context.Background(), "tcp", opts.ListenAddr)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: listen tcp %s", opts.ListenAddr)
	}
	return &TCPListener{
		opts:     opts,
		listener: l,
		conns:    make(map[*streamConn]struct{}),
	}, nil
}

func (t *TCPListener) Addr() string { return t.listener.Addr().String() }

func (t *TCPListener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		conn, err := t.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			t.opts.Logger.Errorf("transport: tcp accept: %v", err)
			continue
		}

		c := newStreamConn(conn, conn.RemoteAddr().String(), t.opts.Logger)
		t.mu.Lock()
		t.conns[c] = struct{}{}
		t.mu.Unlock()
		go func() {
			defer func() {
				t.mu.Lock()
				delete(t.conns, c)
				t.mu.Unlock()
			}()
			h.OnConnect(c)
			c.serve(h)
		}()
	}
}

// Close 停止接收并关闭所有连接
func (t *TCPListener) Close() error {
	err := t.listener.Close()
	t.mu.Lock()
	conns := make([]*streamConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TCPDialer tcp 客户端
type TCPDialer struct {
	Opts TCPOpts
}

func (d *TCPDialer) Dial(ctx context.Context, addr string, h Handler) (Conn, error) {
	opts := d.Opts
	opts.prepare()
	dialer := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: dial tcp %s", addr)
	}
	c := newStreamConn(conn, conn.RemoteAddr().String(), opts.Logger)
	h.OnConnect(c)
	go c.serve(h)
	return c, nil
}
