package zscope

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hunyxv/zscope/transport"
)

var _ transport.Handler = (*Server)(nil)

// Stats 服务运行统计
type Stats struct {
	Node             Node  `json:"node"`
	Peers            int   `json:"peers"`     // 当前连接数
	Connected        int   `json:"connected"` // 已完成握手的 peer 数
	Scopes           int   `json:"scopes"`
	TotalConnects    int64 `json:"total_connects"`
	TotalDisconnects int64 `json:"total_disconnects"`
	MessagesIn       int64 `json:"messages_in"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// Server 服务端：接收 transport 事件，按通道号把消息路由到 scope
type Server struct {
	opts       *options
	logger     Logger
	tracer     trace.Tracer
	pool       *WorkPool
	constraint *semver.Constraints
	redirector Redirector
	node       *NodeState
	system     *Scope

	mu          sync.RWMutex
	peers       map[string]*Peer // conn id -> peer
	scopes      map[ChannelID]*ServerScope
	free        []ChannelID
	nextChannel int32
	listeners   []transport.Listener

	obsMu        sync.Mutex
	onConnect    []func(p *Peer)
	onDisconnect []DisconnectObserver

	connected        int64
	totalConnects    int64
	totalDisconnects int64
	messagesIn       int64
	messagesDropped  int64

	registryOnce sync.Once
	closed       int32
}

func NewServer(opts ...Option) (*Server, error) {
	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}
	if defOpts.Logger == nil {
		defOpts.Logger = DefaultLogger()
	}
	node := defOpts.NodeState
	if node == nil {
		node = NewNodeState(defOpts.Node)
	}
	node.Update(func(n *Node) { n.MaxPeers = defOpts.MaxPeers })

	pool, err := NewWorkPool(defOpts.WorkPoolSize, defOpts.Logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:       defOpts,
		logger:     defOpts.Logger,
		tracer:     otel.Tracer(defOpts.TracerName),
		pool:       pool,
		redirector: defOpts.Redirector,
		node:       node,
		peers:      make(map[string]*Peer),
		scopes:     make(map[ChannelID]*ServerScope),
	}

	if defOpts.ProtocolConstraint != "" {
		s.constraint, err = semver.NewConstraint(defOpts.ProtocolConstraint)
		if err != nil {
			pool.Release()
			return nil, errors.Wrapf(err, "zscope: protocol constraint %q", defOpts.ProtocolConstraint)
		}
	}
	if s.redirector == nil && defOpts.RegisterDiscover != nil {
		s.redirector = NewCluster(node.Snapshot().NodeID, s.logger)
	}

	table, err := NewSignalTable[*Server]("System", 0, Strict, s.logger,
		On(ConnectSignal, (*Server).handleConnect),
		On(DisconnectSignal, (*Server).handleDisconnect),
	)
	if err != nil {
		pool.Release()
		return nil, err
	}
	s.system = NewScope(SystemChannel, table.Bind(s), ScopeOptions{Logger: s.logger, Tracer: s.tracer})
	return s, nil
}

func (s *Server) Logger() Logger { return s.logger }

// Pool 服务端工作池
func (s *Server) Pool() *WorkPool { return s.pool }

// Node 本节点状态
func (s *Server) Node() *NodeState { return s.node }

func (s *Server) isClosed() bool { return atomic.LoadInt32(&s.closed) == 1 }

// Serve 在 l 上提供服务，阻塞直到 ctx 结束或 l 关闭；可对多个 listener 并发调用
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.registryOnce.Do(s.startRegistry)
	s.logger.Infof("zscope: serving on %s", l.Addr())
	return l.Serve(ctx, s)
}

func (s *Server) startRegistry() {
	rd := s.opts.RegisterDiscover
	if rd == nil {
		return
	}
	// 注册服务
	go rd.Register()
	// 服务发现
	if cb, ok := s.redirector.(WatchCallback); ok {
		go rd.Watch(cb)
	}
}

// OnPeerConnected 注册握手完成回调，通常在这里把 peer 放入初始 scope
func (s *Server) OnPeerConnected(fn func(p *Peer)) {
	s.obsMu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.obsMu.Unlock()
}

// OnPeerDisconnected 注册断开回调，每个 peer 触发一次
func (s *Server) OnPeerDisconnected(fn DisconnectObserver) {
	s.obsMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.obsMu.Unlock()
}

// NewScope 分配通道号并创建服务端 scope
func (s *Server) NewScope(d Dispatcher) (*ServerScope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, ErrServerClosed
	}

	var ch ChannelID
	if n := len(s.free); n > 0 {
		ch = s.free[0]
		s.free = s.free[1:]
	} else {
		if s.nextChannel >= math.MaxInt16 {
			return nil, errors.Wrapf(ErrChannelsExhausted, "%d scopes active", len(s.scopes))
		}
		s.nextChannel++
		ch = ChannelID(s.nextChannel)
	}

	sc := newServerScope(s, ch, d)
	s.scopes[ch] = sc
	s.logger.Debugf("zscope: scope %s created", sc)
	return sc, nil
}

// CreateScope 以 table 绑定 target 创建服务端 scope
func CreateScope[S any](s *Server, table *SignalTable[S], target S) (*ServerScope, error) {
	return s.NewScope(table.Bind(target))
}

func (s *Server) releaseScope(sc *ServerScope) {
	s.mu.Lock()
	if cur, ok := s.scopes[sc.channel]; ok && cur == sc {
		delete(s.scopes, sc.channel)
		s.free = append(s.free, sc.channel)
	}
	s.mu.Unlock()
	s.logger.Debugf("zscope: scope %s closed", sc)
}

// Scope 按通道号查找 scope
func (s *Server) Scope(ch ChannelID) (*ServerScope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[ch]
	return sc, ok
}

// Scopes 所有活动 scope，按通道号排序
func (s *Server) Scopes() []*ServerScope {
	s.mu.RLock()
	scopes := make([]*ServerScope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		scopes = append(scopes, sc)
	}
	s.mu.RUnlock()
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].channel < scopes[j].channel })
	return scopes
}

// Peers 所有连接上的 peer
func (s *Server) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Peer 按 peer id 查找
func (s *Server) Peer(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

// ConnectedCount 已完成握手的 peer 数
func (s *Server) ConnectedCount() int { return int(atomic.LoadInt64(&s.connected)) }

func (s *Server) Stats() Stats {
	s.mu.RLock()
	peers, scopes := len(s.peers), len(s.scopes)
	s.mu.RUnlock()
	return Stats{
		Node:             s.node.Snapshot(),
		Peers:            peers,
		Connected:        s.ConnectedCount(),
		Scopes:           scopes,
		TotalConnects:    atomic.LoadInt64(&s.totalConnects),
		TotalDisconnects: atomic.LoadInt64(&s.totalDisconnects),
		MessagesIn:       atomic.LoadInt64(&s.messagesIn),
		MessagesDropped:  atomic.LoadInt64(&s.messagesDropped),
	}
}

func (s *Server) peerFor(c transport.Conn, create bool) *Peer {
	s.mu.RLock()
	p, ok := s.peers[c.ID()]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.peers[c.ID()]; ok {
		return p
	}
	p = newPeer(c, NewPromiseTable(s.opts.PromiseTimeout, s.pool, s.logger))
	s.peers[c.ID()] = p
	atomic.AddInt64(&s.totalConnects, 1)
	return p
}

// OnConnect transport 回调
func (s *Server) OnConnect(c transport.Conn) {
	if s.isClosed() {
		c.Close()
		return
	}
	p := s.peerFor(c, true)
	s.logger.Debugf("zscope: %s connected", p)
}

// OnMessage transport 回调：[int16 channel][payload]
func (s *Server) OnMessage(c transport.Conn, b []byte) {
	atomic.AddInt64(&s.messagesIn, 1)
	p := s.peerFor(c, !s.isClosed())
	if p == nil {
		s.drop()
		return
	}

	r := NewReader(b)
	ch, err := r.ReadChannelID()
	if err != nil {
		s.drop()
		s.logger.Warnf("zscope: %s: drop message: %v", p, err)
		return
	}
	if ch == SystemChannel {
		s.system.ProcessMessage(p, r.Rest())
		return
	}
	if !p.IsConnected() {
		s.drop()
		s.logger.Debugf("zscope: %s: drop message on channel %d before Connect", p, ch)
		return
	}

	sc, ok := s.Scope(ch)
	if ok && sc.HasPeer(p) {
		sc.ProcessMessage(p, r.Rest())
		return
	}
	// 客户端处理请求期间被移出 scope，应答仍带着旧通道号
	if done, err := p.Promises().ResolveResponse(r.Rest()); done {
		if err != nil {
			s.logger.Warnf("zscope: %s: late response: %v", p, err)
		}
		return
	}
	if !ok {
		s.drop()
		s.logger.Warnf("zscope: %s: drop message: %v", p, errors.Wrapf(ErrUnknownChannel, "channel %d", ch))
		return
	}
	// 切换前发出、切换后到达的消息
	s.drop()
	s.logger.Debugf("zscope: %s: drop message for %s, not a member", p, sc)
}

func (s *Server) drop() { atomic.AddInt64(&s.messagesDropped, 1) }

// OnDisconnect transport 回调
func (s *Server) OnDisconnect(c transport.Conn, err error) {
	p := s.peerFor(c, false)
	if p == nil {
		return
	}
	if err != nil {
		s.logger.Debugf("zscope: %s transport closed: %v", p, err)
	}
	s.disconnect(p, ReasonTransportClosed, false, nil)
}

// ForceDisconnect 发送 DisconnectMessage 后关闭连接
func (s *Server) ForceDisconnect(p *Peer, reason DisconnectReason) bool {
	farewell := EncodeSignal(SystemChannel, DisconnectMessageID, (&DisconnectMessage{Reason: reason}).Serialize)
	return s.disconnect(p, reason, false, farewell)
}

// SoftDisconnect 销毁 peer 并发送 ExitScope，连接保持，之后可重新 Connect
func (s *Server) SoftDisconnect(p *Peer) bool {
	return s.disconnect(p, ReasonLeft, true, nil)
}

// Redirect 要求 peer 改连 node 后关闭连接
func (s *Server) Redirect(p *Peer, node Node) bool {
	farewell := EncodeSignal(SystemChannel, RedirectMessageID, (&RedirectMessage{
		Hostname: node.Host,
		Port:     int32(node.Port),
	}).Serialize)
	return s.disconnect(p, ReasonServerFull, false, farewell)
}

// disconnect 每个 peer 只生效一次：移出成员，取消在途 promise，触发断开通知
func (s *Server) disconnect(p *Peer, reason DisconnectReason, soft bool, farewell []byte) bool {
	if !atomic.CompareAndSwapInt32(&p.destroyed, 0, 1) {
		return false
	}

	p.mu.Lock()
	sc := p.scope
	p.scope = nil
	p.mu.Unlock()
	if sc != nil {
		sc.detach(p, soft)
	}

	s.mu.Lock()
	if cur, ok := s.peers[p.conn.ID()]; ok && cur == p {
		delete(s.peers, p.conn.ID())
	}
	s.mu.Unlock()
	atomic.AddInt64(&s.totalDisconnects, 1)
	if atomic.CompareAndSwapInt32(&p.handshaked, 1, 2) {
		s.releaseSlot()
	}

	if n := p.promises.CancelAll(errors.Wrapf(ErrPeerDisconnected, "peer %s: %s", p.id, reason)); n > 0 {
		s.logger.Debugf("zscope: %s: %d pending promises cancelled", p, n)
	}

	if farewell != nil {
		if err := p.conn.Send(farewell); err != nil {
			s.logger.Debugf("zscope: %s: farewell: %v", p, err)
		}
	}
	if !soft && reason != ReasonTransportClosed {
		p.conn.Close()
	}
	s.logger.Infof("zscope: %s disconnected: %s", p, reason)

	p.fireDisconnect(reason)
	s.obsMu.Lock()
	observers := s.onDisconnect
	s.obsMu.Unlock()
	for _, fn := range observers {
		fn(p, reason)
	}
	return true
}

func (s *Server) handleConnect(c *Call) error {
	p := c.Peer()
	var req ConnectRequest
	if err := req.Deserialize(c.Args); err != nil {
		return err
	}
	if p.IsConnected() {
		s.logger.Warnf("zscope: %s: duplicate Connect ignored", p)
		return nil
	}

	if s.constraint != nil {
		v, err := semver.NewVersion(req.ProtocolVersion)
		if err != nil || !s.constraint.Check(v) {
			s.logger.Warnf("zscope: %s: %v", p, errors.Wrapf(ErrVersionMismatch, "client %q, want %s", req.ProtocolVersion, s.opts.ProtocolConstraint))
			s.ForceDisconnect(p, ReasonVersionMismatch)
			return nil
		}
	}

	if !s.reserveSlot() {
		if s.redirector != nil {
			if node, ok := s.redirector.SelectNode(); ok {
				s.logger.Infof("zscope: %s: server full, redirect to %s", p, node.Address())
				s.Redirect(p, node)
				return nil
			}
		}
		s.logger.Infof("zscope: %s: server full", p)
		s.ForceDisconnect(p, ReasonServerFull)
		return nil
	}

	if !atomic.CompareAndSwapInt32(&p.handshaked, 0, 1) {
		s.releaseSlot()
		return nil
	}
	if p.IsDestroyed() {
		// 握手期间被断开，disconnect 可能没看到已握手
		if atomic.CompareAndSwapInt32(&p.handshaked, 1, 2) {
			s.releaseSlot()
		}
		return nil
	}
	if err := p.sendSystem(ConnectID, &ConnectReply{PeerID: p.id}); err != nil {
		return err
	}

	s.obsMu.Lock()
	observers := s.onConnect
	s.obsMu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
	return nil
}

// reserveSlot 占用一个连接名额，MaxPeers 已满时返回 false
func (s *Server) reserveSlot() bool {
	limit := int64(s.opts.MaxPeers)
	for {
		cur := atomic.LoadInt64(&s.connected)
		if limit > 0 && cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.connected, cur, cur+1) {
			s.node.setPeers(int(cur + 1))
			return true
		}
	}
}

func (s *Server) releaseSlot() {
	s.node.setPeers(int(atomic.AddInt64(&s.connected, -1)))
}

func (s *Server) handleDisconnect(c *Call) error {
	s.SoftDisconnect(c.Peer())
	return nil
}

// Close 断开所有 peer，关闭 scope 与 listener，注销节点
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return ErrServerClosed
	}

	for _, p := range s.Peers() {
		s.ForceDisconnect(p, ReasonServerShutdown)
	}
	for _, sc := range s.Scopes() {
		sc.Close()
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.logger.Warnf("zscope: close listener %s: %v", l.Addr(), err)
		}
	}

	if rd := s.opts.RegisterDiscover; rd != nil {
		rd.Deregister()
		rd.Stop()
	}
	s.pool.Release()
	return nil
}
