package transport

import (
	"sync"
	"testing"
	"time"
)

const waitFor = 2 * time.Second

// recorder 记录收到的消息与断开事件
type recorder struct {
	mu        sync.Mutex
	conns     []Conn
	msgs      [][]byte
	discErr   error
	discCount int
	onMessage func(c Conn, b []byte)
}

func (r *recorder) OnConnect(c Conn) {
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(c Conn, b []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, b)
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(c, b)
	}
}

func (r *recorder) OnDisconnect(_ Conn, err error) {
	r.mu.Lock()
	r.discErr = err
	r.discCount++
	r.mu.Unlock()
}

func (r *recorder) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discCount
}

func (r *recorder) connected() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conn(nil), r.conns...)
}

func testLogger(t *testing.T) Logger { return testingLogger{t} }

type testingLogger struct{ t *testing.T }

func (l testingLogger) Debugf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l testingLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testingLogger) Warnf(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testingLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }
