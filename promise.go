package zscope

import (
	"context"
	"sync"
	"time"

	"github.com/hunyxv/utils/spinlock"
	"github.com/pkg/errors"
)

// pendingPromise 等待应答的调用
type pendingPromise struct {
	id     int32
	name   string
	issued time.Time
	timer  *time.Timer

	resolve func(r *Reader) error
	fail    func(err error)
}

// PromiseTable 单个 peer（服务端）或单条连接（客户端）的在途 promise
//
//	关联 id 单调递增，跳过仍在等待的 id；CancelAll 之后新的调用立即失败
type PromiseTable struct {
	mu      sync.Mutex
	next    int32
	pending map[int32]*pendingPromise
	closed  error

	timeout time.Duration
	pool    *WorkPool
	logger  Logger
}

// NewPromiseTable timeout <= 0 表示不设超时
func NewPromiseTable(timeout time.Duration, pool *WorkPool, logger Logger) *PromiseTable {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &PromiseTable{
		pending: make(map[int32]*pendingPromise),
		timeout: timeout,
		pool:    pool,
		logger:  logger,
	}
}

// Len 在途 promise 数
func (t *PromiseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *PromiseTable) nextID() int32 {
	for {
		t.next++
		if t.next <= 0 {
			t.next = 1
		}
		if _, ok := t.pending[t.next]; !ok {
			return t.next
		}
	}
}

// register 在发送前登记，返回分配的关联 id
func (t *PromiseTable) register(p *pendingPromise, timeout time.Duration) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return 0, t.closed
	}
	p.id = t.nextID()
	p.issued = time.Now()
	t.pending[p.id] = p

	if timeout > 0 {
		id := p.id
		p.timer = time.AfterFunc(timeout, func() {
			if e := t.remove(id); e != nil {
				e.fail(errors.Wrapf(ErrPromiseTimeout, "%s #%d after %s", e.name, id, timeout))
			}
		})
	}
	return p.id, nil
}

func (t *PromiseTable) remove(id int32) *pendingPromise {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// Resolve 处理应答，r 定位在结果值起始处
func (t *PromiseTable) Resolve(id int32, r *Reader) error {
	p := t.remove(id)
	if p == nil {
		return errors.Wrapf(ErrUnmatchedResponse, "correlation id %d", id)
	}
	return p.resolve(r)
}

// ResolveResponse 不经 scope 分发表处理应答 [signalId][correlation][result]：
// 关联 id 与信号名都匹配才完成 promise，未匹配时返回 false 且不消费 promise。
// 用于请求处理过程中 scope 被切换、应答落在旧通道上的情况
func (t *PromiseTable) ResolveResponse(payload []byte) (bool, error) {
	r := NewReader(payload)
	signal, err := r.ReadSignalID()
	if err != nil {
		return false, nil
	}
	id, err := r.ReadInt32()
	if err != nil {
		return false, nil
	}
	t.mu.Lock()
	p, ok := t.pending[id]
	ok = ok && ResponseSignalID(p.name) == signal
	t.mu.Unlock()
	if !ok {
		return false, nil
	}
	if p = t.remove(id); p == nil {
		// 刚好超时
		return false, nil
	}
	return true, p.resolve(r)
}

// Cancel 撤销登记，已发出的请求不受影响
func (t *PromiseTable) Cancel(id int32, cause error) bool {
	p := t.remove(id)
	if p == nil {
		return false
	}
	p.fail(cause)
	return true
}

// CancelAll 以 cause 结束所有在途 promise，之后的调用立即返回 cause
func (t *PromiseTable) CancelAll(cause error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = cause
	}
	all := t.pending
	t.pending = make(map[int32]*pendingPromise)
	t.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fail(cause)
	}
	return len(all)
}

// Promise 一次 promise 调用的结果句柄
type Promise[T any] struct {
	lock  sync.Locker
	done  chan struct{}
	value T
	err   error
	thens []func(T, error)

	id    int32
	name  string
	table *PromiseTable
}

// Issue 登记 promise 后调用 send 发出请求
//
//	send 收到分配好的关联 id；发送失败时撤销登记并返回该错误
func Issue[T any](t *PromiseTable, name string, dec func(*Reader) (T, error), send func(correlation int32) error) (*Promise[T], error) {
	return IssueTimeout(t, name, t.timeout, dec, send)
}

// IssueTimeout 同 Issue，使用指定超时
func IssueTimeout[T any](t *PromiseTable, name string, timeout time.Duration, dec func(*Reader) (T, error), send func(correlation int32) error) (*Promise[T], error) {
	p := &Promise[T]{
		lock:  spinlock.NewSpinLock(),
		done:  make(chan struct{}),
		name:  name,
		table: t,
	}
	entry := &pendingPromise{
		name: name,
		resolve: func(r *Reader) error {
			v, err := dec(r)
			if err != nil {
				err = errors.Wrapf(err, "decode result of %s", name)
			}
			p.complete(v, err)
			return err
		},
		fail: func(err error) {
			var zero T
			p.complete(zero, err)
		},
	}

	id, err := t.register(entry, timeout)
	if err != nil {
		return nil, err
	}
	p.id = id

	if err := send(id); err != nil {
		t.remove(id)
		return nil, errors.WithMessagef(err, "zscope: send %s", name)
	}
	return p, nil
}

// ID 关联 id
func (p *Promise[T]) ID() int32 { return p.id }

// Done 结果就绪时关闭
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

func (p *Promise[T]) complete(v T, err error) bool {
	p.lock.Lock()
	select {
	case <-p.done:
		p.lock.Unlock()
		return false
	default:
	}
	p.value, p.err = v, err
	thens := p.thens
	p.thens = nil
	close(p.done)
	p.lock.Unlock()

	for _, fn := range thens {
		p.run(fn)
	}
	return true
}

func (p *Promise[T]) run(fn func(T, error)) {
	v, err := p.value, p.err
	p.table.pool.Go(func() { fn(v, err) })
}

// Then 注册回调，结果就绪后在工作池中执行且只执行一次
func (p *Promise[T]) Then(fn func(T, error)) {
	p.lock.Lock()
	select {
	case <-p.done:
		p.lock.Unlock()
		p.run(fn)
		return
	default:
	}
	p.thens = append(p.thens, fn)
	p.lock.Unlock()
}

// Await 等待结果
//
//	ctx 结束时撤销登记，迟到的应答会被当作 unmatched 丢弃；
//	ctx 超过截止时间返回 ErrPromiseTimeout
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
	}

	cause := ctx.Err()
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = errors.Wrapf(ErrPromiseTimeout, "%s #%d", p.name, p.id)
	}
	if !p.table.Cancel(p.id, cause) {
		// 已被应答或其他路径结束
		<-p.done
	}
	return p.value, p.err
}

// AwaitTimeout 以超时等待结果
func (p *Promise[T]) AwaitTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.Await(ctx)
}
