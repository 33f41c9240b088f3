package zscope

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// SignalMode 信号表构建模式
type SignalMode int

const (
	// Lenient 缺少处理函数的信号记录日志后跳过
	Lenient SignalMode = iota
	// Strict 缺少处理函数的信号视为构建错误
	Strict
)

type signalKind int

const (
	kindSignal   signalKind = iota // 普通信号
	kindRequest                    // 需要应答的信号（服务方）
	kindResponse                   // promise 应答（调用方）
)

func (k signalKind) String() string {
	switch k {
	case kindRequest:
		return "request"
	case kindResponse:
		return "response"
	}
	return "signal"
}

// SignalDef 一个远程可调用操作的注册项
type SignalDef[S any] struct {
	name   string
	kind   signalKind
	handle func(S, *Call) error
}

// On 注册普通信号
func On[S any](name string, fn func(S, *Call) error) SignalDef[S] {
	return SignalDef[S]{name: name, kind: kindSignal, handle: fn}
}

// OnRequest 注册 promise 信号，返回值由 enc 编码后应答给调用方
func OnRequest[S any, R any](name string, fn func(S, *Call) (R, error), enc func(*Writer, R)) SignalDef[S] {
	def := SignalDef[S]{name: name, kind: kindRequest}
	if fn == nil || enc == nil {
		return def
	}
	def.handle = func(s S, c *Call) error {
		ret, err := fn(s, c)
		if err != nil {
			return err
		}
		return c.Respond(func(w *Writer) { enc(w, ret) })
	}
	return def
}

// Expect 声明本端会发起的 promise 调用，使其应答信号可以被路由
func Expect[S any](name string) SignalDef[S] {
	return SignalDef[S]{name: ResponseSignalName(name), kind: kindResponse}
}

type signalEntry[S any] struct {
	name   string
	id     int32
	kind   signalKind
	handle func(S, *Call) error
}

// SignalTable 某一 scope 类型的信号分发表，构建后只读，可在所有实例间共享
type SignalTable[S any] struct {
	name    string
	kind    ScopeKind
	signals map[int32]*signalEntry[S]
}

// NewSignalTable 根据显式注册列表构建分发表
//
//	标识冲突总是错误；缺少处理函数时 Strict 模式报错，Lenient 模式记录日志并跳过
func NewSignalTable[S any](name string, kind ScopeKind, mode SignalMode, logger Logger, defs ...SignalDef[S]) (*SignalTable[S], error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	t := &SignalTable[S]{
		name:    name,
		kind:    kind,
		signals: make(map[int32]*signalEntry[S], len(defs)),
	}
	for _, def := range defs {
		id := SignalID(def.name)
		if exist, ok := t.signals[id]; ok {
			return nil, errors.Wrapf(ErrSignalCollision, "scope %s: %q and %q both hash to %d", name, exist.name, def.name, id)
		}
		if def.kind != kindResponse && def.handle == nil {
			if mode == Strict {
				return nil, errors.Wrapf(ErrMissingHandler, "scope %s: signal %q", name, def.name)
			}
			logger.Warnf("zscope: scope %s: signal %q has no handler, skipped", name, def.name)
			continue
		}
		t.signals[id] = &signalEntry[S]{
			name:   def.name,
			id:     id,
			kind:   def.kind,
			handle: def.handle,
		}
	}
	return t, nil
}

// MustSignalTable 同 NewSignalTable，出错时 panic
func MustSignalTable[S any](name string, kind ScopeKind, mode SignalMode, logger Logger, defs ...SignalDef[S]) *SignalTable[S] {
	t, err := NewSignalTable(name, kind, mode, logger, defs...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *SignalTable[S]) Name() string    { return t.name }
func (t *SignalTable[S]) Kind() ScopeKind { return t.kind }

// Signals 已注册信号名（排序后）
func (t *SignalTable[S]) Signals() []string {
	names := make([]string, 0, len(t.signals))
	for _, e := range t.signals {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Bind 将分发表绑定到具体实例
func (t *SignalTable[S]) Bind(target S) Dispatcher {
	return &boundTable[S]{table: t, target: target}
}

// Dispatcher 绑定到某个 scope 实例的分发表
type Dispatcher interface {
	ScopeName() string
	Kind() ScopeKind
	Lookup(id int32) (BoundSignal, bool)
	Target() any
}

// BoundSignal 已绑定实例的信号处理函数
type BoundSignal struct {
	Name   string
	ID     int32
	kind   signalKind
	invoke func(*Call) error
}

// IsRequest 是否为需要应答的 promise 信号
func (b BoundSignal) IsRequest() bool { return b.kind == kindRequest }

// IsResponse 是否为 promise 应答
func (b BoundSignal) IsResponse() bool { return b.kind == kindResponse }

var _ Dispatcher = (*boundTable[any])(nil)

type boundTable[S any] struct {
	table  *SignalTable[S]
	target S
}

func (b *boundTable[S]) ScopeName() string { return b.table.name }
func (b *boundTable[S]) Kind() ScopeKind   { return b.table.kind }
func (b *boundTable[S]) Target() any       { return b.target }

func (b *boundTable[S]) Lookup(id int32) (BoundSignal, bool) {
	e, ok := b.table.signals[id]
	if !ok {
		return BoundSignal{}, false
	}
	sig := BoundSignal{Name: e.name, ID: e.id, kind: e.kind}
	if e.handle != nil {
		target := b.target
		handle := e.handle
		sig.invoke = func(c *Call) error { return handle(target, c) }
	}
	return sig, true
}

// Origin 入站消息的来源：服务端为 *Peer，客户端为连接本身
type Origin interface {
	Send(b []byte) error
	Promises() *PromiseTable
}

// Call 一次信号调用的上下文
type Call struct {
	ctx         context.Context
	origin      Origin
	scope       *Scope
	signal      BoundSignal
	correlation int32
	responded   bool

	// Args 定位在参数起始处
	Args *Reader
}

func (c *Call) Context() context.Context { return c.ctx }

// Origin 消息来源
func (c *Call) Origin() Origin { return c.origin }

// Peer 服务端调用时返回发送方 peer，客户端返回 nil
func (c *Call) Peer() *Peer {
	p, _ := c.origin.(*Peer)
	return p
}

// Scope 接收该信号的 scope
func (c *Call) Scope() *Scope { return c.scope }

// SignalName 信号名
func (c *Call) SignalName() string { return c.signal.Name }

// CorrelationID promise 调用的关联 id
func (c *Call) CorrelationID() int32 { return c.correlation }

// Respond 应答 promise 调用：[channel][Response+name][correlation][result]
func (c *Call) Respond(enc func(*Writer)) error {
	if !c.signal.IsRequest() {
		return errors.Errorf("zscope: signal %s is not promise-returning", c.signal.Name)
	}
	if c.responded {
		return errors.Errorf("zscope: signal %s already responded", c.signal.Name)
	}
	c.responded = true

	w := NewWriter(16)
	w.WriteChannelID(c.scope.ChannelID())
	w.WriteSignalID(ResponseSignalID(c.signal.Name))
	w.WriteInt32(c.correlation)
	if enc != nil {
		enc(w)
	}
	return c.origin.Send(w.Bytes())
}
