package admin

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/transport"
)

type nopHandler struct{}

func (nopHandler) OnConnect(transport.Conn)           {}
func (nopHandler) OnMessage(transport.Conn, []byte)   {}
func (nopHandler) OnDisconnect(transport.Conn, error) {}

type room struct{}

var roomTable = zscope.MustSignalTable[*room]("Room", 7, zscope.Strict, zscope.NopLogger())

func setup(t *testing.T) (*zscope.Server, *Caller) {
	t.Helper()
	s, err := zscope.NewServer(zscope.WithLogger(zscope.NopLogger()), zscope.WithMaxPeers(10))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h, err := NewHandler(s)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return s, NewCaller(ts.URL)
}

// connect 以内存连接完成握手，返回服务端 peer
func connect(t *testing.T, s *zscope.Server) *zscope.Peer {
	t.Helper()
	_, conn := transport.NewPipe(s, nopHandler{})
	conn.Send(zscope.EncodeSignal(zscope.SystemChannel, zscope.ConnectID,
		(&zscope.ConnectRequest{ProtocolVersion: "1.0.0"}).Serialize))

	var peer *zscope.Peer
	require.Eventually(t, func() bool {
		for _, p := range s.Peers() {
			if p.IsConnected() {
				peer = p
			}
		}
		return peer != nil
	}, 2*time.Second, 5*time.Millisecond)
	return peer
}

func TestAdminStatsAndScopes(t *testing.T) {
	s, caller := setup(t)
	lobby, err := zscope.CreateScope(s, roomTable, &room{})
	require.NoError(t, err)
	match, err := zscope.CreateScope(s, roomTable, &room{})
	require.NoError(t, err)
	match.SetFallback(lobby)

	p := connect(t, s)
	require.NoError(t, lobby.AddPeer(p, false))

	ctx := context.Background()
	stats, err := caller.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connected)
	assert.Equal(t, 2, stats.Scopes)
	assert.Equal(t, 10, stats.Node.MaxPeers)

	scopes, err := caller.Scopes(ctx)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, ScopeInfo{Channel: int16(lobby.ChannelID()), Kind: 7, Name: "Room", Peers: 1}, scopes[0])
	assert.Equal(t, int16(lobby.ChannelID()), scopes[1].Fallback)
	assert.Equal(t, 0, scopes[1].Peers)

	peers, err := caller.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, p.ID(), peers[0].ID)
	assert.True(t, peers[0].Connected)
	assert.Equal(t, int16(lobby.ChannelID()), peers[0].Channel)
}

func TestAdminKick(t *testing.T) {
	s, caller := setup(t)
	p := connect(t, s)

	ctx := context.Background()
	kicked, err := caller.Kick(ctx, p.ID())
	require.NoError(t, err)
	assert.True(t, kicked)
	assert.True(t, p.IsDestroyed())
	assert.Equal(t, 0, s.ConnectedCount())

	_, err = caller.Kick(ctx, "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer not found")
}

func TestAdminUnknownMethod(t *testing.T) {
	_, caller := setup(t)
	var reply KickReply
	err := caller.Call(context.Background(), ServiceName+".Reboot", &EmptyArgs{}, &reply)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrPeerNotFound))
}
