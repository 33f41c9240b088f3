package zscope

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// recLogger 记录 Warn/Error 级别日志，便于断言消息被丢弃的原因
type recLogger struct {
	nopLogger
	mu    sync.Mutex
	lines []string
}

func (l *recLogger) record(level, format string, args ...interface{}) {
	l.mu.Lock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recLogger) Warnf(format string, args ...interface{})  { l.record("WARN", format, args...) }
func (l *recLogger) Errorf(format string, args ...interface{}) { l.record("ERROR", format, args...) }

func (l *recLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

// fakeOrigin 记录发出的消息
type fakeOrigin struct {
	mu       sync.Mutex
	sent     [][]byte
	promises *PromiseTable
}

func newFakeOrigin(timeout time.Duration) *fakeOrigin {
	return &fakeOrigin{promises: NewPromiseTable(timeout, nil, NopLogger())}
}

func (o *fakeOrigin) Send(b []byte) error {
	o.mu.Lock()
	o.sent = append(o.sent, append([]byte(nil), b...))
	o.mu.Unlock()
	return nil
}

func (o *fakeOrigin) Promises() *PromiseTable { return o.promises }

func (o *fakeOrigin) messages() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.sent...)
}

// signalMessage 组装去掉通道号后的入站消息 [signalId][args]
func signalMessage(name string, args func(*Writer)) []byte {
	return EncodeSignal(0, SignalID(name), args)[2:]
}
