package zscope

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	scope *Scope

	mu  sync.Mutex
	got []int32

	// onPing 在记录后调用
	onPing func(v int32)
}

func (r *recorder) ping(c *Call) error {
	v, err := c.Args.ReadInt32()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	if r.onPing != nil {
		r.onPing(v)
	}
	return nil
}

func (r *recorder) values() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.got...)
}

var errNope = errors.New("nope")

var recorderTable = MustSignalTable[*recorder]("Recorder", 9, Strict, NopLogger(),
	On("Ping", (*recorder).ping),
	On("Boom", func(*recorder, *Call) error { panic("boom") }),
	On("Fail", func(*recorder, *Call) error { return errNope }),
	OnRequest("Double", func(_ *recorder, c *Call) (int32, error) {
		v, err := c.Args.ReadInt32()
		return v * 2, err
	}, func(w *Writer, v int32) { w.WriteInt32(v) }),
	Expect[*recorder]("Remote"),
)

func newRecorderScope(logger Logger) (*recorder, *Scope) {
	rec := &recorder{}
	s := NewScope(5, recorderTable.Bind(rec), ScopeOptions{Logger: logger})
	rec.scope = s
	return rec, s
}

func ping(v int32) []byte {
	return signalMessage("Ping", func(w *Writer) { w.WriteInt32(v) })
}

func TestSignalTableCollision(t *testing.T) {
	require.Equal(t, SignalID("sigJETmVK"), SignalID("sigKEvm5K"))

	noop := func(*recorder, *Call) error { return nil }
	_, err := NewSignalTable[*recorder]("Collide", 1, Lenient, NopLogger(),
		On("sigJETmVK", noop),
		On("sigKEvm5K", noop),
	)
	assert.True(t, errors.Is(err, ErrSignalCollision), "%v", err)
}

func TestSignalTableMissingHandler(t *testing.T) {
	_, err := NewSignalTable[*recorder]("Strict", 1, Strict, NopLogger(),
		On[*recorder]("Declared", nil),
	)
	assert.True(t, errors.Is(err, ErrMissingHandler), "%v", err)

	log := &recLogger{}
	table, err := NewSignalTable[*recorder]("Lenient", 1, Lenient, log,
		On[*recorder]("Declared", nil),
		On("Ping", (*recorder).ping),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ping"}, table.Signals())
	assert.True(t, log.contains("Declared"))
}

func TestSignalTableMetadata(t *testing.T) {
	assert.Equal(t, "Recorder", recorderTable.Name())
	assert.Equal(t, ScopeKind(9), recorderTable.Kind())
	assert.Equal(t, []string{"Boom", "Double", "Fail", "Ping", "ResponseRemote"}, recorderTable.Signals())

	d := recorderTable.Bind(&recorder{})
	sig, ok := d.Lookup(SignalID("Double"))
	require.True(t, ok)
	assert.True(t, sig.IsRequest())
	sig, ok = d.Lookup(ResponseSignalID("Remote"))
	require.True(t, ok)
	assert.True(t, sig.IsResponse())
}

func TestDispatchSignal(t *testing.T) {
	rec, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)
	s.ProcessMessage(origin, ping(7))
	s.ProcessMessage(origin, ping(8))
	assert.Equal(t, []int32{7, 8}, rec.values())
}

func TestDispatchContainsFailures(t *testing.T) {
	log := &recLogger{}
	rec, s := newRecorderScope(log)
	origin := newFakeOrigin(time.Second)

	s.ProcessMessage(origin, signalMessage("Unknown", nil))
	assert.True(t, log.contains(ErrUnknownSignal.Error()))

	assert.NotPanics(t, func() { s.ProcessMessage(origin, signalMessage("Boom", nil)) })
	assert.True(t, log.contains("Boom"))
	assert.True(t, log.contains(ErrHandlerFailure.Error()))

	s.ProcessMessage(origin, signalMessage("Fail", nil))
	assert.True(t, log.contains("nope"))

	// 参数不完整
	s.ProcessMessage(origin, signalMessage("Ping", func(w *Writer) { w.WriteInt8(1) }))
	assert.True(t, log.contains(ErrMalformedMessage.Error()))

	s.ProcessMessage(origin, []byte{1, 2})
	assert.True(t, log.contains("drop message"))

	// 之后的信号照常处理
	s.ProcessMessage(origin, ping(1))
	assert.Equal(t, []int32{1}, rec.values())
}

func TestDispatchRequestResponds(t *testing.T) {
	_, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)

	s.ProcessMessage(origin, signalMessage("Double", func(w *Writer) {
		w.WriteInt32(77) // correlation
		w.WriteInt32(21)
	}))

	msgs := origin.messages()
	require.Len(t, msgs, 1)
	r := NewReader(msgs[0])
	ch, _ := r.ReadChannelID()
	id, _ := r.ReadSignalID()
	corr, _ := r.ReadInt32()
	v, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, ChannelID(5), ch)
	assert.Equal(t, ResponseSignalID("Double"), id)
	assert.Equal(t, int32(77), corr)
	assert.Equal(t, int32(42), v)
}

func TestDispatchResponseResolvesPromise(t *testing.T) {
	log := &recLogger{}
	_, s := newRecorderScope(log)
	origin := newFakeOrigin(time.Second)

	var corr int32
	p, err := Issue(origin.Promises(), "Remote", readInt32, func(c int32) error { corr = c; return nil })
	require.NoError(t, err)

	response := func(corr, v int32) []byte {
		return EncodeSignal(0, ResponseSignalID("Remote"), func(w *Writer) {
			w.WriteInt32(corr)
			w.WriteInt32(v)
		})[2:]
	}
	s.ProcessMessage(origin, response(corr, 99))
	v, err := p.AwaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(99), v)

	s.ProcessMessage(origin, response(corr, 100))
	assert.True(t, log.contains(ErrUnmatchedResponse.Error()))
}

func TestHandlerFailureKeepsCause(t *testing.T) {
	_, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)

	sig, ok := s.dispatcher.Lookup(SignalID("Fail"))
	require.True(t, ok)
	err := s.call(context.Background(), origin, sig, NewReader(nil))
	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, errNope)
	assert.Equal(t, errNope, errors.Cause(err))
	assert.Contains(t, err.Error(), "nope")

	// 参数不完整不归为处理函数失败
	sig, ok = s.dispatcher.Lookup(SignalID("Ping"))
	require.True(t, ok)
	err = s.call(context.Background(), origin, sig, NewReader(nil))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.NotErrorIs(t, err, ErrHandlerFailure)
}

func TestCallRespondMisuse(t *testing.T) {
	_, s := newRecorderScope(NopLogger())
	origin := newFakeOrigin(time.Second)

	sig, ok := s.dispatcher.Lookup(SignalID("Ping"))
	require.True(t, ok)
	c := &Call{ctx: context.Background(), origin: origin, scope: s, signal: sig}
	err := c.Respond(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not promise-returning")

	sig, ok = s.dispatcher.Lookup(SignalID("Double"))
	require.True(t, ok)
	c = &Call{ctx: context.Background(), origin: origin, scope: s, signal: sig, correlation: 3}
	require.NoError(t, c.Respond(func(w *Writer) { w.WriteInt32(6) }))
	err = c.Respond(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already responded")
	assert.Len(t, origin.messages(), 1)
}
