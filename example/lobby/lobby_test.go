package lobby

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/client"
	"github.com/hunyxv/zscope/transport"
)

const waitFor = 2 * time.Second

type fixture struct {
	server *zscope.Server
	lobby  *Lobby
	pipe   *transport.PipeListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := zscope.NewServer(zscope.WithLogger(zscope.NopLogger()))
	require.NoError(t, err)
	l, err := NewLobby(s)
	require.NoError(t, err)

	pipe := transport.NewPipeListener("lobby:1")
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, pipe)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return &fixture{server: s, lobby: l, pipe: pipe}
}

type player struct {
	*client.Client
	entered int32
}

func (f *fixture) join(t *testing.T) *player {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	p := &player{}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := client.Dial(ctx, f.pipe.Addr(), reg,
		client.WithDialer(f.pipe),
		client.WithLogger(zscope.NopLogger()),
		client.WithOnScopeEntered(func(*client.Scope) { atomic.AddInt32(&p.entered, 1) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	p.Client = c
	return p
}

func (p *player) await(t *testing.T, kind zscope.ScopeKind) *client.Scope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := p.AwaitScope(ctx, kind)
	require.NoError(t, err)
	return s
}

func (p *player) lobby(t *testing.T) *ClientLobby {
	return p.await(t, LobbyKind).Target().(*ClientLobby)
}

func (p *player) match(t *testing.T) *ClientMatch {
	m := p.await(t, MatchKind).Target().(*ClientMatch)
	m.Ready()
	return m
}

func exited(t *testing.T, s *client.Scope) {
	t.Helper()
	select {
	case <-s.Exited():
	case <-time.After(waitFor):
		t.Fatalf("%s not exited", s)
	}
}

func TestJoinEntersLobby(t *testing.T) {
	f := newFixture(t)
	p := f.join(t)
	l := p.lobby(t)
	assert.Equal(t, f.lobby.Scope().ChannelID(), l.Scope().ChannelID())
	require.Eventually(t, func() bool { return f.lobby.Scope().PeerCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestCreateMatchSwitchesScope(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.join(t), f.join(t)
	al := alice.lobby(t)
	bl := bob.lobby(t)

	require.NoError(t, al.CreateMatch("Alpha"))
	m := alice.match(t)
	exited(t, al.Scope())
	assert.Equal(t, int32(2), atomic.LoadInt32(&alice.entered))
	assert.Len(t, alice.Scopes(), 1)

	require.Eventually(t, func() bool { return m.Info() == MatchInfo{Name: "Alpha", Players: 1} }, waitFor, 5*time.Millisecond)
	am, ok := f.lobby.Match("Alpha")
	require.True(t, ok)
	assert.Equal(t, am.Scope().ChannelID(), m.Scope().ChannelID())
	assert.Equal(t, f.lobby.Scope(), am.Scope().Fallback())

	// 大厅的消息不再送达已切走的玩家
	require.NoError(t, bl.SendChat("anyone?"))
	require.NoError(t, bl.CreateMatch("Beta"))
	bob.match(t)
	assert.Empty(t, al.chat)
	assert.Empty(t, m.chat)
	assert.Error(t, al.SendChat("stale"))
	assert.Equal(t, 2, f.lobby.Matches())
}

func TestMatchHoldsSignalsUntilReady(t *testing.T) {
	f := newFixture(t)
	p := f.join(t)
	require.NoError(t, p.lobby(t).CreateMatch("Alpha"))
	sc := p.await(t, MatchKind)
	m := sc.Target().(*ClientMatch)

	require.Eventually(t, func() bool { return sc.Pending() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, sc.IsPaused())
	assert.Equal(t, MatchInfo{}, m.Info())

	m.Ready()
	assert.False(t, sc.IsPaused())
	assert.Equal(t, 0, sc.Pending())
	assert.Equal(t, MatchInfo{Name: "Alpha", Players: 1}, m.Info())
}

func TestCreateMatchRejectsEmptyName(t *testing.T) {
	f := newFixture(t)
	p := f.join(t)
	l := p.lobby(t)

	require.NoError(t, l.CreateMatch(""))
	count, err := l.GetOnlinePlayerCount()
	require.NoError(t, err)
	n, err := count.AwaitTimeout(waitFor)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	assert.Equal(t, 0, f.lobby.Matches())
}

func TestGetOnlinePlayerCount(t *testing.T) {
	f := newFixture(t)
	players := []*player{f.join(t), f.join(t), f.join(t)}
	for _, p := range players {
		p.lobby(t)
	}

	require.NoError(t, players[2].lobby(t).CreateMatch("Solo"))
	players[2].match(t)

	promise, err := players[0].lobby(t).GetOnlinePlayerCount()
	require.NoError(t, err)
	n, err := promise.AwaitTimeout(waitFor)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)
}

func TestMatchChatAndPlayers(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.join(t), f.join(t)
	require.NoError(t, alice.lobby(t).CreateMatch("Alpha"))
	am := alice.match(t)
	require.NoError(t, bob.lobby(t).CreateMatch("Alpha"))
	bm := bob.match(t)
	require.Eventually(t, func() bool { return bm.Info().Players == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, am.Scope().ChannelID(), bm.Scope().ChannelID())
	assert.Equal(t, 1, f.lobby.Matches())

	promise, err := am.GetPlayers()
	require.NoError(t, err)
	ids, err := promise.AwaitTimeout(waitFor)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.PeerID(), bob.PeerID()}, ids)

	require.NoError(t, am.SendChat("gl hf"))
	select {
	case msg := <-bm.Chat():
		assert.Equal(t, ChatMessage{From: alice.PeerID(), Text: "gl hf"}, msg)
	case <-time.After(waitFor):
		t.Fatal("chat not delivered")
	}
	assert.Empty(t, am.chat)
}

func TestLeaveMatchReturnsToLobby(t *testing.T) {
	f := newFixture(t)
	p := f.join(t)
	require.NoError(t, p.lobby(t).CreateMatch("Alpha"))
	m := p.match(t)

	require.NoError(t, m.LeaveMatch())
	exited(t, m.Scope())
	l := p.lobby(t)
	assert.Equal(t, f.lobby.Scope().ChannelID(), l.Scope().ChannelID())

	// 最后一名玩家离开后对局关闭
	require.Eventually(t, func() bool { return f.lobby.Matches() == 0 }, waitFor, 5*time.Millisecond)
	assert.Len(t, f.server.Scopes(), 1)
}

func TestDisconnectClosesMatch(t *testing.T) {
	f := newFixture(t)
	p := f.join(t)
	require.NoError(t, p.lobby(t).CreateMatch("Alpha"))
	p.match(t)
	require.Equal(t, 1, f.lobby.Matches())

	p.Close()
	require.Eventually(t, func() bool { return f.lobby.Matches() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.server.ConnectedCount())
}
