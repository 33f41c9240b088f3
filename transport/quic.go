package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// QUICProto ALPN 协议名
const QUICProto = "zscope"

// QUICOpts quic 传输配置；每条 quic 连接只使用一个双向流
type QUICOpts struct {
	ListenAddr string
	TLSConfig  *tls.Config
	Config     *quic.Config
	Logger     Logger
}

func (o *QUICOpts) prepare() {
	if o.Config == nil {
		o.Config = &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		}
	}
	o.Logger = orNop(o.Logger)
}

var (
	_ Listener = (*QUICListener)(nil)
	_ Dialer   = (*QUICDialer)(nil)
)

// quicStream 关闭时关闭整条 quic 连接
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	return s.conn.CloseWithError(0, "closed")
}

// QUICListener quic 服务端
type QUICListener struct {
	opts     QUICOpts
	listener *quic.Listener

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

// ListenQUIC TLSConfig 为空时使用自签名证书
func ListenQUIC(opts QUICOpts) (*QUICListener, error) {
	opts.prepare()
	if opts.TLSConfig == nil {
		cfg, err := SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = cfg
	}
	l, err := quic.ListenAddr(opts.ListenAddr, opts.TLSConfig, opts.Config)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: listen quic %s", opts.ListenAddr)
	}
	return &QUICListener{
		opts:     opts,
		listener: l,
		conns:    make(map[*streamConn]struct{}),
	}, nil
}

func (q *QUICListener) Addr() string { return q.listener.Addr().String() }

func (q *QUICListener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { q.Close() })
	defer stop()

	for {
		conn, err := q.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return errors.WithMessage(err, "transport: quic accept")
		}
		go q.handle(ctx, conn, h)
	}
}

func (q *QUICListener) handle(ctx context.Context, conn *quic.Conn, h Handler) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		q.opts.Logger.Warnf("transport: quic accept stream from %s: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(1, "no stream")
		return
	}

	c := newStreamConn(&quicStream{Stream: stream, conn: conn}, conn.RemoteAddr().String(), q.opts.Logger)
	q.mu.Lock()
	q.conns[c] = struct{}{}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.conns, c)
		q.mu.Unlock()
	}()

	h.OnConnect(c)
	c.serve(h)
}

// Close 停止接收并关闭所有连接
func (q *QUICListener) Close() error {
	err := q.listener.Close()
	q.mu.Lock()
	conns := make([]*streamConn, 0, len(q.conns))
	for c := range q.conns {
		conns = append(conns, c)
	}
	q.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// QUICDialer quic 客户端
type QUICDialer struct {
	Opts QUICOpts
}

func (d *QUICDialer) Dial(ctx context.Context, addr string, h Handler) (Conn, error) {
	opts := d.Opts
	opts.prepare()
	tlsConf := opts.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{QUICProto}}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, opts.Config)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: dial quic %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream")
		return nil, errors.WithMessagef(err, "transport: open quic stream to %s", addr)
	}

	c := newStreamConn(&quicStream{Stream: stream, conn: conn}, conn.RemoteAddr().String(), opts.Logger)
	h.OnConnect(c)
	go c.serve(h)
	return c, nil
}

// SelfSignedTLSConfig 生成仅用于开发环境的自签名证书
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "zscope"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{QUICProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
