package transport

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// mailbox 无界 FIFO 收件箱，由单个协程按序投递
type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items [][]byte
	eof   bool
	err   error
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(b []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eof {
		return false
	}
	m.items = append(m.items, b)
	m.cond.Signal()
	return true
}

// shutdown 不再接收新消息，已入队的仍会投递
func (m *mailbox) shutdown(err error) {
	m.mu.Lock()
	if !m.eof {
		m.eof = true
		m.err = err
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// run 依次投递，队列清空且已 shutdown 后以 shutdown 的原因回调 done
func (m *mailbox) run(deliver func([]byte), done func(error)) {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.eof {
			m.cond.Wait()
		}
		if len(m.items) > 0 {
			b := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			deliver(b)
			continue
		}
		err := m.err
		m.mu.Unlock()

		if errors.Is(err, io.EOF) {
			err = nil
		}
		done(err)
		return
	}
}
