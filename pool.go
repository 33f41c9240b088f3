package zscope

import (
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// WorkPool promise 回调使用的协程池
type WorkPool struct {
	pool   *ants.Pool
	logger Logger
}

// NewWorkPool 创建工作池，size <= 0 时容量不限
func NewWorkPool(size int, logger Logger) (*WorkPool, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.WithMessage(err, "zscope: create work pool")
	}
	return &WorkPool{pool: pool, logger: logger}, nil
}

// Go 提交任务；池满载或已关闭时退化为独立协程，任务不会丢失
func (p *WorkPool) Go(task func()) {
	if p == nil || p.pool == nil {
		go task()
		return
	}
	err := p.pool.Submit(task)
	if err == nil {
		return
	}
	if errors.Is(err, ants.ErrPoolOverload) {
		p.logger.Warnf("zscope: work pool overload, running task on a new goroutine")
	}
	go task()
}

// Tune 调整工作池容量
func (p *WorkPool) Tune(size int) {
	p.pool.Tune(size)
}

// Running 正在执行的任务数
func (p *WorkPool) Running() int { return p.pool.Running() }

// Cap 工作池容量
func (p *WorkPool) Cap() int { return p.pool.Cap() }

func (p *WorkPool) Release() {
	p.pool.Release()
}
