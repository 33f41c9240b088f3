package client

import (
	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
)

// EnterHandler scope 实例实现该接口以获知自己被创建
type EnterHandler interface {
	OnEnter(s *Scope)
}

// ExitHandler scope 实例实现该接口以获知自己被销毁（ExitScope、SwitchScope 或断开）
type ExitHandler interface {
	OnExit(s *Scope)
}

// Scope 客户端 scope，由服务端的 EnterScope / SwitchScope 创建
type Scope struct {
	*zscope.Scope
	client *Client
	exited chan struct{}

	entered bool // 由 client.mu 保护
}

func newScope(c *Client, channel zscope.ChannelID, f Factory) *Scope {
	s := &Scope{
		client: c,
		exited: make(chan struct{}),
	}
	s.Scope = zscope.NewScope(channel, f(s), zscope.ScopeOptions{
		Logger: c.logger,
		Tracer: c.tracer,
	})
	return s
}

// Client 所属连接
func (s *Scope) Client() *Client { return s.client }

// Exited scope 被销毁后关闭
func (s *Scope) Exited() <-chan struct{} { return s.exited }

func (s *Scope) active() bool {
	cur, ok := s.client.Scope(s.ChannelID())
	return ok && cur == s
}

func (s *Scope) inactive() error {
	return errors.Wrapf(zscope.ErrMembershipViolation, "scope %s exited", s)
}

// Send 向服务端 scope 发送信号
func (s *Scope) Send(signal string, args func(*zscope.Writer)) error {
	if !s.active() {
		return s.inactive()
	}
	return s.client.Send(zscope.EncodeSignal(s.ChannelID(), zscope.SignalID(signal), args))
}

// Request 向服务端 scope 发起 promise 调用；本端 scope 的分发表需 Expect(signal)
func Request[T any](s *Scope, signal string, args func(*zscope.Writer), dec func(*zscope.Reader) (T, error)) (*zscope.Promise[T], error) {
	if !s.active() {
		return nil, s.inactive()
	}
	id := zscope.SignalID(signal)
	return zscope.Issue(s.client.Promises(), signal, dec, func(corr int32) error {
		return s.client.Send(zscope.EncodeRequest(s.ChannelID(), id, corr, args))
	})
}

func (s *Scope) enter() {
	if h, ok := s.Target().(EnterHandler); ok {
		s.safely("OnEnter", func() { h.OnEnter(s) })
	}
}

func (s *Scope) exit() {
	close(s.exited)
	if h, ok := s.Target().(ExitHandler); ok {
		s.safely("OnExit", func() { h.OnExit(s) })
	}
}

func (s *Scope) safely(name string, fn func()) {
	defer func() {
		if e := recover(); e != nil {
			s.client.logger.Errorf("client: scope %s %s: %+v", s.Name(), name,
				errors.WithStack(errors.Wrapf(zscope.ErrHandlerFailure, "panic: %v", e)))
		}
	}()
	fn()
}
