package zscope

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTracerName 信号分发 span 所用的 tracer 名称
const DefaultTracerName = "zscope-go"

// deferred 暂停期间缓存的调用：处理函数 + 原始参数
type deferred struct {
	signal BoundSignal
	origin Origin
	args   []byte
}

// ScopeOptions 构造 Scope 所需的依赖
type ScopeOptions struct {
	Logger Logger
	Tracer trace.Tracer
	// Alive 回放暂停队列前检查来源是否仍然有效
	Alive func(Origin) bool
}

// Scope 一个可寻址的远程操作面，客户端与服务端共用
//
//	Active <-> Paused：暂停时入站信号只解析出处理函数并缓存参数，
//	Resume 按到达顺序回放，回放完成前新到的信号排在队尾
type Scope struct {
	channel    ChannelID
	dispatcher Dispatcher
	logger     Logger
	tracer     trace.Tracer
	alive      func(Origin) bool

	mu       sync.Mutex
	paused   bool
	draining bool // 只有回放的 goroutine 会清除
	stop     bool // 回放中途 Pause，回放者在下一条之前退出
	queue    []deferred
}

func NewScope(channel ChannelID, d Dispatcher, opts ScopeOptions) *Scope {
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(DefaultTracerName)
	}
	return &Scope{
		channel:    channel,
		dispatcher: d,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		alive:      opts.Alive,
	}
}

func (s *Scope) ChannelID() ChannelID { return s.channel }
func (s *Scope) Kind() ScopeKind      { return s.dispatcher.Kind() }
func (s *Scope) Name() string         { return s.dispatcher.ScopeName() }

// Target 分发表绑定的实例
func (s *Scope) Target() any { return s.dispatcher.Target() }

func (s *Scope) String() string {
	return fmt.Sprintf("%s(kind=%d, channel=%d)", s.Name(), s.Kind(), s.channel)
}

// Pause 暂停信号投递
func (s *Scope) Pause() {
	s.mu.Lock()
	s.paused = true
	if s.draining {
		s.stop = true
	}
	if s.queue == nil {
		s.queue = make([]deferred, 0, 8)
	}
	s.mu.Unlock()
}

// Resume 恢复投递，先按 FIFO 回放暂停期间缓存的信号
func (s *Scope) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	if s.draining {
		// 已有回放在进行，撤销其间的 Pause 即可
		s.stop = false
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		if s.stop {
			s.stop = false
			s.draining = false
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.paused = false
			s.draining = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue[0] = deferred{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.alive == nil || s.alive(d.origin) {
			s.invoke(d.origin, d.signal, NewReader(d.args))
		} else {
			s.logger.Debugf("zscope: %s: drop deferred %s, origin gone", s, d.signal.Name)
		}

		s.mu.Lock()
	}
}

// Handles 分发表是否认识该信号 id
func (s *Scope) Handles(id int32) bool {
	_, ok := s.dispatcher.Lookup(id)
	return ok
}

func (s *Scope) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pending 暂停队列中的信号数
func (s *Scope) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ProcessMessage 处理一条已去掉通道号的入站消息：[int32 signalId][args...]
func (s *Scope) ProcessMessage(origin Origin, payload []byte) {
	r := NewReader(payload)
	id, err := r.ReadSignalID()
	if err != nil {
		s.logger.Warnf("zscope: %s: drop message: %v", s, err)
		return
	}

	sig, ok := s.dispatcher.Lookup(id)
	if !ok {
		s.logger.Warnf("zscope: %s: drop message: %v", s, errors.Wrapf(ErrUnknownSignal, "id %d", id))
		return
	}

	s.mu.Lock()
	if s.paused {
		args := make([]byte, r.Remaining())
		copy(args, r.Rest())
		s.queue = append(s.queue, deferred{signal: sig, origin: origin, args: args})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.invoke(origin, sig, r)
}

// invoke 执行处理函数，所有错误与 panic 在此截获
func (s *Scope) invoke(origin Origin, sig BoundSignal, r *Reader) {
	ctx, span := s.tracer.Start(context.Background(), s.Name()+"/"+sig.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int("zscope.channel", int(s.channel)),
			attribute.Int("zscope.kind", int(s.Kind())),
			attribute.String("zscope.signal", sig.Name),
		))
	defer span.End()

	err := s.call(ctx, origin, sig, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Errorf("zscope: scope %s signal %s: %+v", s.Name(), sig.Name, err)
	}
}

func (s *Scope) call(ctx context.Context, origin Origin, sig BoundSignal, r *Reader) (err error) {
	if sig.IsResponse() {
		corr, err := r.ReadInt32()
		if err != nil {
			return err
		}
		return origin.Promises().Resolve(corr, r)
	}

	c := &Call{
		ctx:    ctx,
		origin: origin,
		scope:  s,
		signal: sig,
		Args:   r,
	}
	if sig.IsRequest() {
		if c.correlation, err = r.ReadInt32(); err != nil {
			return err
		}
	}

	defer func() {
		if e := recover(); e != nil {
			err = errors.WithStack(errors.Wrapf(ErrHandlerFailure, "panic: %v", e))
		}
	}()
	if err = sig.invoke(c); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return err
		}
		return &handlerError{cause: err}
	}
	return nil
}

// EncodeSignal 组装出站消息 [channel][signalId][args...]
func EncodeSignal(channel ChannelID, id int32, args func(*Writer)) []byte {
	w := NewWriter(32)
	w.WriteChannelID(channel)
	w.WriteSignalID(id)
	if args != nil {
		args(w)
	}
	return w.Bytes()
}

// EncodeRequest 组装 promise 调用 [channel][signalId][correlation][args...]
func EncodeRequest(channel ChannelID, id int32, correlation int32, args func(*Writer)) []byte {
	w := NewWriter(32)
	w.WriteChannelID(channel)
	w.WriteSignalID(id)
	w.WriteInt32(correlation)
	if args != nil {
		args(w)
	}
	return w.Bytes()
}
