package zscope

import (
	"sync"

	"github.com/pkg/errors"
)

// PeerAddedHandler scope 实例实现该接口以获知成员加入
type PeerAddedHandler interface {
	OnPeerAdded(s *ServerScope, p *Peer)
}

// PeerRemovedHandler scope 实例实现该接口以获知成员离开（含断开与切换）
type PeerRemovedHandler interface {
	OnPeerRemoved(s *ServerScope, p *Peer)
}

// ServerScope 服务端 scope：在 Scope 之上维护成员与回退 scope
//
//	每个 peer 同一时刻至多属于一个 ServerScope。
//	加锁顺序：peer.mu，然后按通道号从小到大加 scope 锁。
type ServerScope struct {
	*Scope
	server *Server

	mu       sync.RWMutex
	members  map[*Peer]struct{}
	fallback *ServerScope
	closed   bool
}

func newServerScope(server *Server, channel ChannelID, d Dispatcher) *ServerScope {
	s := &ServerScope{
		server:  server,
		members: make(map[*Peer]struct{}),
	}
	s.Scope = NewScope(channel, d, ScopeOptions{
		Logger: server.logger,
		Tracer: server.tracer,
		Alive: func(o Origin) bool {
			p, ok := o.(*Peer)
			return ok && !p.IsDestroyed()
		},
	})
	return s
}

// Server 所属服务
func (s *ServerScope) Server() *Server { return s.server }

// SetFallback RemovePeer 时把成员交回 fallback，nil 取消
func (s *ServerScope) SetFallback(fallback *ServerScope) {
	s.mu.Lock()
	s.fallback = fallback
	s.mu.Unlock()
}

func (s *ServerScope) Fallback() *ServerScope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// HasPeer 是否为成员
func (s *ServerScope) HasPeer(p *Peer) bool {
	s.mu.RLock()
	_, ok := s.members[p]
	s.mu.RUnlock()
	return ok
}

// PeerCount 成员数
func (s *ServerScope) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Peers 成员快照
func (s *ServerScope) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.members))
	for p := range s.members {
		peers = append(peers, p)
	}
	return peers
}

func (s *ServerScope) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *ServerScope) violation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMembershipViolation, "scope %s: "+format, append([]interface{}{s}, args...)...)
}

// AddPeer 加入成员，notify 时向客户端发送 EnterScope
func (s *ServerScope) AddPeer(p *Peer, notify bool) error {
	p.mu.Lock()
	if p.IsDestroyed() {
		p.mu.Unlock()
		return errors.Wrapf(ErrPeerDisconnected, "peer %s", p.ID())
	}
	if p.scope != nil {
		cur := p.scope
		p.mu.Unlock()
		return s.violation("%s already in %s", p, cur)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.mu.Unlock()
		return s.violation("closed")
	}
	s.members[p] = struct{}{}
	p.scope = s
	var err error
	if notify {
		// 持有 scope 锁发送，之后的广播不会先于 EnterScope 到达
		err = p.sendSystem(EnterScopeID, &EnterScope{Channel: s.channel, Kind: s.Kind()})
	}
	s.mu.Unlock()
	p.mu.Unlock()

	if err != nil {
		s.logger.Warnf("zscope: %s: EnterScope to %s: %v", s, p, err)
	}
	s.peerAdded(p)
	return nil
}

// RemovePeer 移除成员
//
//	设置了 fallback 时等同于 HandoverPeer(p, fallback)；否则 notify 时向客户端发送 ExitScope
func (s *ServerScope) RemovePeer(p *Peer, notify bool) error {
	if fb := s.Fallback(); fb != nil && fb != s && !fb.IsClosed() {
		return s.HandoverPeer(p, fb)
	}

	p.mu.Lock()
	if p.scope != s {
		p.mu.Unlock()
		return s.violation("%s is not a member", p)
	}
	s.mu.Lock()
	delete(s.members, p)
	p.scope = nil
	var err error
	if notify {
		err = p.sendSystem(ExitScopeID, &ExitScope{Channel: s.channel})
	}
	s.mu.Unlock()
	p.mu.Unlock()

	if err != nil {
		s.logger.Warnf("zscope: %s: ExitScope to %s: %v", s, p, err)
	}
	s.peerRemoved(p)
	return nil
}

// HandoverPeer 把成员原子地移到 target，并通知客户端 SwitchScope
func (s *ServerScope) HandoverPeer(p *Peer, target *ServerScope) error {
	if target == nil || target == s {
		return s.violation("invalid handover target %v", target)
	}
	if target.server != s.server {
		return s.violation("target %s belongs to another server", target)
	}

	p.mu.Lock()
	if p.IsDestroyed() {
		p.mu.Unlock()
		return errors.Wrapf(ErrPeerDisconnected, "peer %s", p.ID())
	}
	if p.scope != s {
		p.mu.Unlock()
		return s.violation("%s is not a member", p)
	}

	first, second := s, target
	if target.channel < s.channel {
		first, second = target, s
	}
	first.mu.Lock()
	second.mu.Lock()
	if target.closed {
		second.mu.Unlock()
		first.mu.Unlock()
		p.mu.Unlock()
		return target.violation("closed")
	}

	delete(s.members, p)
	target.members[p] = struct{}{}
	p.scope = target
	err := p.sendSystem(SwitchScopeID, &SwitchScope{
		OldChannel: s.channel,
		NewChannel: target.channel,
		NewKind:    target.Kind(),
	})

	second.mu.Unlock()
	first.mu.Unlock()
	p.mu.Unlock()

	if err != nil {
		s.logger.Warnf("zscope: %s: SwitchScope to %s: %v", s, p, err)
	}
	s.peerRemoved(p)
	target.peerAdded(p)
	return nil
}

// detach 断开时移出成员，不走 fallback；exit 时补发 ExitScope
func (s *ServerScope) detach(p *Peer, exit bool) {
	s.mu.Lock()
	_, ok := s.members[p]
	delete(s.members, p)
	if ok && exit {
		// peer 已标记销毁，直接经连接发送
		b := EncodeSignal(SystemChannel, ExitScopeID, (&ExitScope{Channel: s.channel}).Serialize)
		if err := p.conn.Send(b); err != nil {
			s.logger.Debugf("zscope: %s: ExitScope to %s: %v", s, p, err)
		}
	}
	s.mu.Unlock()
	if ok {
		s.peerRemoved(p)
	}
}

func (s *ServerScope) peerAdded(p *Peer) {
	if h, ok := s.Target().(PeerAddedHandler); ok {
		s.safely("OnPeerAdded", func() { h.OnPeerAdded(s, p) })
	}
}

func (s *ServerScope) peerRemoved(p *Peer) {
	if h, ok := s.Target().(PeerRemovedHandler); ok {
		s.safely("OnPeerRemoved", func() { h.OnPeerRemoved(s, p) })
	}
}

func (s *ServerScope) safely(name string, fn func()) {
	defer func() {
		if e := recover(); e != nil {
			s.logger.Errorf("zscope: scope %s %s: %+v", s.Name(), name, errors.WithStack(errors.Wrapf(ErrHandlerFailure, "panic: %v", e)))
		}
	}()
	fn()
}

// Send 向成员 p 发送信号
func (s *ServerScope) Send(p *Peer, signal string, args func(*Writer)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.members[p]; !ok {
		return s.violation("%s is not a member", p)
	}
	return p.Send(EncodeSignal(s.channel, SignalID(signal), args))
}

// Broadcast 向所有成员（except 除外）发送信号，返回成功发送的数量
func (s *ServerScope) Broadcast(signal string, args func(*Writer), except ...*Peer) int {
	b := EncodeSignal(s.channel, SignalID(signal), args)
	sent := 0
	// 持锁发送，与 HandoverPeer 互斥，切走的成员不会在 SwitchScope 之后收到本 scope 的消息
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.members {
		if contains(except, p) {
			continue
		}
		if err := p.Send(b); err != nil {
			s.logger.Debugf("zscope: %s: broadcast %s to %s: %v", s, signal, p, err)
			continue
		}
		sent++
	}
	return sent
}

func contains(peers []*Peer, p *Peer) bool {
	for _, e := range peers {
		if e == p {
			return true
		}
	}
	return false
}

// Request 向成员 p 发起 promise 调用，客户端应答 Response<signal>
func Request[T any](s *ServerScope, p *Peer, signal string, args func(*Writer), dec func(*Reader) (T, error)) (*Promise[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.members[p]; !ok {
		return nil, s.violation("%s is not a member", p)
	}
	id := SignalID(signal)
	return Issue(p.Promises(), signal, dec, func(corr int32) error {
		return p.Send(EncodeRequest(s.channel, id, corr, args))
	})
}

// Close 关闭 scope：成员交回 fallback 或收到 ExitScope，随后释放通道号
func (s *ServerScope) Close() {
	fb := s.Fallback()
	for _, p := range s.Peers() {
		var err error
		if fb != nil && fb != s && !fb.IsClosed() {
			err = s.HandoverPeer(p, fb)
		} else {
			err = s.RemovePeer(p, true)
		}
		if err != nil {
			s.logger.Debugf("zscope: close %s: %v", s, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	// 关闭期间并发加入的成员
	rest := make([]*Peer, 0, len(s.members))
	for p := range s.members {
		rest = append(rest, p)
	}
	s.mu.Unlock()

	for _, p := range rest {
		p.mu.Lock()
		if p.scope == s {
			p.scope = nil
		}
		p.mu.Unlock()
		s.detach(p, true)
	}
	s.server.releaseScope(s)
}
