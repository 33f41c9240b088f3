package zscope

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func TestScopePauseResumeOrder(t *testing.T) {
	for _, n := range []int{0, 1, 10, 500} {
		rec, s := newRecorderScope(NopLogger())
		origin := newFakeOrigin(time.Second)

		s.Pause()
		require.True(t, s.IsPaused())
		for i := 0; i < n; i++ {
			s.ProcessMessage(origin, ping(int32(i)))
		}
		assert.Empty(t, rec.values())
		assert.Equal(t, n, s.Pending())

		s.Resume()
		assert.False(t, s.IsPaused())
		assert.Equal(t, 0, s.Pending())
		if n == 0 {
			assert.Empty(t, rec.values())
		} else {
			assert.Equal(t, seq(n), rec.values(), "n=%d", n)
		}
	}
}

func TestScopeArrivalDuringDrain(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)
	rec.onPing = func(v int32) {
		if v == 1 {
			// 回放中到达的新信号排在队尾
			s.ProcessMessage(origin, ping(100))
		}
	}

	s.Pause()
	for i := 0; i < 4; i++ {
		s.ProcessMessage(origin, ping(int32(i)))
	}
	s.Resume()
	assert.Equal(t, []int32{0, 1, 2, 3, 100}, rec.values())
	assert.False(t, s.IsPaused())
}

func TestScopePauseDuringDrain(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)
	rec.onPing = func(v int32) {
		if v == 2 {
			s.Pause()
		}
	}

	s.Pause()
	for i := 0; i < 6; i++ {
		s.ProcessMessage(origin, ping(int32(i)))
	}
	s.Resume()
	assert.Equal(t, []int32{0, 1, 2}, rec.values())
	assert.True(t, s.IsPaused())
	assert.Equal(t, 3, s.Pending())

	s.ProcessMessage(origin, ping(6))
	rec.onPing = nil
	s.Resume()
	assert.Equal(t, seq(7), rec.values())
	assert.False(t, s.IsPaused())
}

func TestScopePauseResumeWhileHandlerRuns(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)

	var inFlight, maxInFlight int32
	entered := make(chan struct{})
	release := make(chan struct{})
	rec.onPing = func(v int32) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		if v == 0 {
			close(entered)
			<-release
		}
		atomic.AddInt32(&inFlight, -1)
	}

	s.Pause()
	for i := 0; i < 5; i++ {
		s.ProcessMessage(origin, ping(int32(i)))
	}
	done := make(chan struct{})
	go func() {
		s.Resume()
		close(done)
	}()
	<-entered

	// 第一条仍在处理时 Pause 再 Resume，不能另起一轮回放
	s.Pause()
	s.Resume()
	assert.Equal(t, []int32{0}, rec.values())
	assert.True(t, s.IsPaused())
	assert.Equal(t, 4, s.Pending())

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, seq(5), rec.values())
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.False(t, s.IsPaused())
	assert.Equal(t, 0, s.Pending())
}

func TestScopeResumeWithoutPause(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	s.Resume()
	s.ProcessMessage(newFakeOrigin(time.Second), ping(1))
	assert.Equal(t, []int32{1}, rec.values())
}

func TestScopeDropsDeferredFromDeadOrigin(t *testing.T) {
	rec := &recorder{}
	dead := newFakeOrigin(time.Second)
	alive := newFakeOrigin(time.Second)
	s := NewScope(3, recorderTable.Bind(rec), ScopeOptions{
		Logger: NopLogger(),
		Alive:  func(o Origin) bool { return o != Origin(dead) },
	})

	s.Pause()
	s.ProcessMessage(dead, ping(1))
	s.ProcessMessage(alive, ping(2))
	s.Resume()
	assert.Equal(t, []int32{2}, rec.values())
}

func TestScopeDeferredArgsAreCopied(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	buf := ping(5)

	s.Pause()
	s.ProcessMessage(newFakeOrigin(time.Second), buf)
	// 传输层复用缓冲
	for i := range buf {
		buf[i] = 0
	}
	s.Resume()
	assert.Equal(t, []int32{5}, rec.values())
}

func TestScopeString(t *testing.T) {
	_, s := newRecorderScope(NopLogger())
	assert.Equal(t, "Recorder(kind=9, channel=5)", s.String())
	assert.Equal(t, ChannelID(5), s.ChannelID())
	assert.Equal(t, ScopeKind(9), s.Kind())
}
