package client

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
)

// Factory 为一次 EnterScope 创建新的 scope 实例，s 为其所属的客户端 scope
type Factory func(s *Scope) zscope.Dispatcher

type registration struct {
	name    string
	factory Factory
}

// Registry ScopeKind -> scope 名称与工厂；启动时构建，之后按引用传给各个 Client
type Registry struct {
	mu    sync.RWMutex
	kinds map[zscope.ScopeKind]registration
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[zscope.ScopeKind]registration)}
}

// Register 注册 kind，重复注册返回 ErrDuplicateKind
func (r *Registry) Register(kind zscope.ScopeKind, name string, f Factory) error {
	if f == nil {
		return errors.Errorf("client: scope %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if exist, ok := r.kinds[kind]; ok {
		return errors.Wrapf(zscope.ErrDuplicateKind, "kind %d registered by %s and %s", kind, exist.name, name)
	}
	r.kinds[kind] = registration{name: name, factory: f}
	return nil
}

// RegisterTable 以分发表注册，每次进入 scope 由 newTarget 创建实例
func RegisterTable[S any](r *Registry, table *zscope.SignalTable[S], newTarget func(s *Scope) S) error {
	return r.Register(table.Kind(), table.Name(), func(s *Scope) zscope.Dispatcher {
		return table.Bind(newTarget(s))
	})
}

func (r *Registry) lookup(kind zscope.ScopeKind) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	return reg, ok
}

// Name kind 对应的 scope 名称
func (r *Registry) Name(kind zscope.ScopeKind) (string, bool) {
	reg, ok := r.lookup(kind)
	return reg.name, ok
}

// Kinds 已注册的 kind（升序）
func (r *Registry) Kinds() []zscope.ScopeKind {
	r.mu.RLock()
	kinds := make([]zscope.ScopeKind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
