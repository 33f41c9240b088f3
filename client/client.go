package client

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/transport"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: closed")
	ErrDisconnected = errors.New("client: disconnected by server")
	ErrUnknownKind  = errors.New("client: unknown scope kind")
)

// RedirectError 服务端要求改连其他节点
type RedirectError struct {
	Hostname string
	Port     int32
}

func (e *RedirectError) Address() string {
	return net.JoinHostPort(e.Hostname, strconv.Itoa(int(e.Port)))
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("client: redirected to %s", e.Address())
}

var (
	_ transport.Handler = (*Client)(nil)
	_ zscope.Origin     = (*Client)(nil)
)

var systemTable = zscope.MustSignalTable[*Client]("System", 0, zscope.Strict, zscope.NopLogger(),
	zscope.On(zscope.ConnectSignal, (*Client).handleConnectReply),
	zscope.On(zscope.EnterScopeSignal, (*Client).handleEnterScope),
	zscope.On(zscope.ExitScopeSignal, (*Client).handleExitScope),
	zscope.On(zscope.SwitchScopeSignal, (*Client).handleSwitchScope),
	zscope.On(zscope.DisconnectMessageSignal, (*Client).handleDisconnectMessage),
	zscope.On(zscope.RedirectMessageSignal, (*Client).handleRedirectMessage),
)

// Client 一条到服务端的连接，承载服务端分配的所有 scope
type Client struct {
	opts     *options
	logger   zscope.Logger
	tracer   trace.Tracer
	registry *Registry
	pool     *zscope.WorkPool
	promises *zscope.PromiseTable
	system   *zscope.Scope
	addr     string

	mu        sync.RWMutex
	conn      transport.Conn
	peerID    string
	scopes    map[zscope.ChannelID]*Scope
	changed   chan struct{}
	handshake chan error
	reason    error // 服务端告知的断开原因

	closed int32
	err    error
	done   chan struct{}
	once   sync.Once
}

func newClient(addr string, registry *Registry, o *options) (*Client, error) {
	pool, err := zscope.NewWorkPool(o.WorkPoolSize, o.Logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:     o,
		logger:   o.Logger,
		tracer:   otel.Tracer(o.TracerName),
		registry: registry,
		pool:     pool,
		promises: zscope.NewPromiseTable(o.PromiseTimeout, pool, o.Logger),
		addr:     addr,
		scopes:   make(map[zscope.ChannelID]*Scope),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.system = zscope.NewScope(zscope.SystemChannel, systemTable.Bind(c), zscope.ScopeOptions{
		Logger: c.logger,
		Tracer: c.tracer,
	})
	return c, nil
}

// Addr 服务端地址
func (c *Client) Addr() string { return c.addr }

// PeerID 服务端分配的 peer id，握手完成前为空
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *Client) IsConnected() bool { return c.PeerID() != "" }

func (c *Client) Logger() zscope.Logger { return c.logger }

// Promises 本连接发起的 promise
func (c *Client) Promises() *zscope.PromiseTable { return c.promises }

// Done 连接断开后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 连接断开原因
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send 发送已编码的消息
func (c *Client) Send(b []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(b)
}

func (c *Client) sendSystem(id int32, msg zscope.Serializable) error {
	var args func(*zscope.Writer)
	if msg != nil {
		args = msg.Serialize
	}
	return c.Send(zscope.EncodeSignal(zscope.SystemChannel, id, args))
}

// Handshake 发送 Connect 并等待服务端应答
func (c *Client) Handshake(ctx context.Context) error {
	ch := make(chan error, 1)
	c.mu.Lock()
	if atomic.LoadInt32(&c.closed) == 1 {
		c.mu.Unlock()
		return ErrClosed
	}
	c.handshake = ch
	c.mu.Unlock()

	if err := c.sendSystem(zscope.ConnectID, &zscope.ConnectRequest{ProtocolVersion: c.opts.ProtocolVersion}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) finishHandshake(err error) {
	c.mu.Lock()
	ch := c.handshake
	c.handshake = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// Leave 发送 Disconnect：服务端销毁 peer 并退出所有 scope，连接保留，可再次 Handshake
func (c *Client) Leave() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.sendSystem(zscope.DisconnectID, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.peerID = ""
	c.mu.Unlock()
	return nil
}

// Scope 按通道号查找当前 scope
func (c *Client) Scope(ch zscope.ChannelID) (*Scope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scopes[ch]
	return s, ok
}

// Scopes 当前所有 scope，按通道号排序
func (c *Client) Scopes() []*Scope {
	c.mu.RLock()
	scopes := make([]*Scope, 0, len(c.scopes))
	for _, s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.mu.RUnlock()
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].ChannelID() < scopes[j].ChannelID() })
	return scopes
}

// AwaitScope 等待进入 kind 类型的 scope
func (c *Client) AwaitScope(ctx context.Context, kind zscope.ScopeKind) (*Scope, error) {
	for {
		c.mu.RLock()
		changed := c.changed
		for _, s := range c.scopes {
			if s.entered && s.Kind() == kind {
				c.mu.RUnlock()
				return s, nil
			}
		}
		c.mu.RUnlock()

		select {
		case <-changed:
		case <-c.done:
			return nil, errors.WithMessagef(c.Err(), "await scope kind %d", kind)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// notifyLocked 唤醒 AwaitScope，调用方持有 c.mu
func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// OnConnect transport 回调
func (c *Client) OnConnect(conn transport.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// OnMessage transport 回调：系统通道交给 system scope，其余按通道号路由
func (c *Client) OnMessage(_ transport.Conn, b []byte) {
	r := zscope.NewReader(b)
	ch, err := r.ReadChannelID()
	if err != nil {
		c.logger.Warnf("client: drop message: %v", err)
		return
	}
	if ch == zscope.SystemChannel {
		c.system.ProcessMessage(c, r.Rest())
		return
	}
	s, ok := c.Scope(ch)
	if ok && s.Handles(peekSignal(r)) {
		s.ProcessMessage(c, r.Rest())
		return
	}
	// 服务端在请求处理中途切换了 scope，应答仍带着旧通道号
	if c.resolveOrphan(r.Rest()) {
		return
	}
	if !ok {
		c.logger.Warnf("client: drop message: %v", errors.Wrapf(zscope.ErrUnknownChannel, "channel %d", ch))
		return
	}
	s.ProcessMessage(c, r.Rest())
}

func peekSignal(r *zscope.Reader) int32 {
	id, err := zscope.NewReader(r.Rest()).ReadSignalID()
	if err != nil {
		return 0
	}
	return id
}

// resolveOrphan 按连接级 promise 表匹配应答，匹配成功返回 true
func (c *Client) resolveOrphan(b []byte) bool {
	ok, err := c.promises.ResolveResponse(b)
	if err != nil {
		c.logger.Warnf("client: late response: %v", err)
	}
	return ok
}

// OnDisconnect transport 回调
func (c *Client) OnDisconnect(_ transport.Conn, err error) {
	c.mu.RLock()
	reason := c.reason
	c.mu.RUnlock()
	if reason == nil {
		reason = err
	}
	if reason == nil {
		reason = ErrDisconnected
	}
	c.teardown(reason)
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
	c.teardown(ErrClosed)
	return nil
}

// teardown 只执行一次：退出所有 scope，取消在途 promise，通知观察者
func (c *Client) teardown(reason error) {
	c.once.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		c.mu.Lock()
		c.err = reason
		c.peerID = ""
		scopes := c.scopes
		c.scopes = make(map[zscope.ChannelID]*Scope)
		c.notifyLocked()
		c.mu.Unlock()
		close(c.done)

		for _, s := range scopes {
			s.exit()
		}
		if n := c.promises.CancelAll(errors.Wrapf(zscope.ErrPeerDisconnected, "%v", reason)); n > 0 {
			c.logger.Debugf("client: %d pending promises cancelled", n)
		}
		c.finishHandshake(reason)

		if !errors.Is(reason, ErrClosed) {
			c.logger.Infof("client: disconnected from %s: %v", c.addr, reason)
		}
		for _, fn := range c.opts.OnDisconnected {
			fn(c, reason)
		}
		c.pool.Release()
	})
}

func (c *Client) handleConnectReply(call *zscope.Call) error {
	var m zscope.ConnectReply
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	c.mu.Lock()
	c.peerID = m.PeerID
	c.mu.Unlock()
	c.logger.Debugf("client: connected to %s as %s", c.addr, m.PeerID)
	c.finishHandshake(nil)
	return nil
}

func (c *Client) handleEnterScope(call *zscope.Call) error {
	var m zscope.EnterScope
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	return c.enterScope(m.Channel, m.Kind)
}

func (c *Client) handleExitScope(call *zscope.Call) error {
	var m zscope.ExitScope
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	if !c.exitScope(m.Channel) {
		c.logger.Debugf("client: ExitScope for unknown channel %d", m.Channel)
	}
	return nil
}

func (c *Client) handleSwitchScope(call *zscope.Call) error {
	var m zscope.SwitchScope
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	c.exitScope(m.OldChannel)
	return c.enterScope(m.NewChannel, m.NewKind)
}

func (c *Client) handleDisconnectMessage(call *zscope.Call) error {
	var m zscope.DisconnectMessage
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	var reason error
	if m.Reason == zscope.ReasonVersionMismatch {
		reason = errors.Wrapf(zscope.ErrVersionMismatch, "server rejected protocol %s", c.opts.ProtocolVersion)
	} else {
		reason = errors.Wrapf(ErrDisconnected, "%s", m.Reason)
	}
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	return nil
}

func (c *Client) handleRedirectMessage(call *zscope.Call) error {
	var m zscope.RedirectMessage
	if err := m.Deserialize(call.Args); err != nil {
		return err
	}
	c.mu.Lock()
	c.reason = &RedirectError{Hostname: m.Hostname, Port: m.Port}
	c.mu.Unlock()
	return nil
}

func (c *Client) enterScope(ch zscope.ChannelID, kind zscope.ScopeKind) error {
	reg, ok := c.registry.lookup(kind)
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "kind %d on channel %d", kind, ch)
	}
	s := newScope(c, ch, reg.factory)

	c.mu.Lock()
	old := c.scopes[ch]
	c.scopes[ch] = s
	c.mu.Unlock()

	if old != nil {
		old.exit()
	}
	s.enter()
	for _, fn := range c.opts.OnScopeEntered {
		fn(s)
	}

	// OnEnter 执行完才对 AwaitScope 可见
	c.mu.Lock()
	s.entered = true
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

func (c *Client) exitScope(ch zscope.ChannelID) bool {
	c.mu.Lock()
	s, ok := c.scopes[ch]
	delete(c.scopes, ch)
	if ok {
		c.notifyLocked()
	}
	c.mu.Unlock()
	if ok {
		s.exit()
	}
	return ok
}
