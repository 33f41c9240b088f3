package lobby

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
)

var ErrEmptyMatchName = errors.New("lobby: empty match name")

var lobbyTable = zscope.MustSignalTable[*Lobby]("Lobby", LobbyKind, zscope.Strict, nil,
	zscope.On(SignalCreateMatch, (*Lobby).createMatch),
	zscope.OnRequest(SignalGetOnlinePlayerCount, (*Lobby).onlinePlayerCount, writeInt32),
	zscope.On(SignalChat, (*Lobby).chat),
)

var matchTable = zscope.MustSignalTable[*Match]("Match", MatchKind, zscope.Strict, nil,
	zscope.On(SignalLeaveMatch, (*Match).leave),
	zscope.OnRequest(SignalGetPlayers, (*Match).players, writeStrings),
	zscope.On(SignalChat, (*Match).chat),
)

// Lobby 服务端大厅：新连接的 peer 默认进入大厅
type Lobby struct {
	server *zscope.Server
	scope  *zscope.ServerScope
	logger zscope.Logger

	mu      sync.Mutex
	matches map[string]*Match
}

// NewLobby 创建大厅并接管 server 的新连接
func NewLobby(server *zscope.Server) (*Lobby, error) {
	l := &Lobby{
		server:  server,
		logger:  server.Logger(),
		matches: make(map[string]*Match),
	}
	sc, err := zscope.CreateScope(server, lobbyTable, l)
	if err != nil {
		return nil, err
	}
	l.scope = sc

	server.OnPeerConnected(func(p *zscope.Peer) {
		if err := l.scope.AddPeer(p, true); err != nil {
			l.logger.Warnf("lobby: add %s: %v", p, err)
		}
	})
	return l, nil
}

// Scope 大厅的服务端 scope
func (l *Lobby) Scope() *zscope.ServerScope { return l.scope }

// Match 按名字查找对局
func (l *Lobby) Match(name string) (*Match, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.matches[name]
	return m, ok
}

// Matches 当前对局数
func (l *Lobby) Matches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.matches)
}

// CreateMatch(name)：同名对局存在时加入，否则创建；随后把调用者切换过去
func (l *Lobby) createMatch(c *zscope.Call) error {
	name, err := c.Args.ReadString()
	if err != nil {
		return err
	}
	if name == "" {
		return ErrEmptyMatchName
	}

	l.mu.Lock()
	m, ok := l.matches[name]
	if !ok {
		m = &Match{name: name, lobby: l}
		sc, err := zscope.CreateScope(l.server, matchTable, m)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		sc.SetFallback(l.scope)
		m.scope = sc
		l.matches[name] = m
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Infof("lobby: match %s created on %s", name, m.scope)
	}
	return l.scope.HandoverPeer(c.Peer(), m.scope)
}

// GetOnlinePlayerCount() int32：请求到达时大厅中的玩家数
func (l *Lobby) onlinePlayerCount(c *zscope.Call) (int32, error) {
	return int32(l.scope.PeerCount()), nil
}

// Chat(text)：转发给大厅中其他玩家
func (l *Lobby) chat(c *zscope.Call) error {
	text, err := c.Args.ReadString()
	if err != nil {
		return err
	}
	msg := &ChatMessage{From: c.Peer().ID(), Text: text}
	l.scope.Broadcast(SignalChatMessage, msg.Serialize, c.Peer())
	return nil
}

func (l *Lobby) removeMatch(m *Match) {
	l.mu.Lock()
	if cur, ok := l.matches[m.name]; ok && cur == m {
		delete(l.matches, m.name)
	}
	l.mu.Unlock()
}

var (
	_ zscope.PeerAddedHandler   = (*Match)(nil)
	_ zscope.PeerRemovedHandler = (*Match)(nil)
)

// Match 服务端对局，fallback 为大厅
type Match struct {
	name  string
	lobby *Lobby
	scope *zscope.ServerScope
}

func (m *Match) Name() string { return m.name }

func (m *Match) Scope() *zscope.ServerScope { return m.scope }

// OnPeerAdded 向新成员推送对局信息
func (m *Match) OnPeerAdded(s *zscope.ServerScope, p *zscope.Peer) {
	info := MatchInfo{Name: m.name, Players: s.PeerCount()}
	var encErr error
	err := s.Send(p, SignalMatchInfo, func(w *zscope.Writer) { encErr = w.WriteMsgpack(&info) })
	if err == nil {
		err = encErr
	}
	if err != nil {
		m.lobby.logger.Debugf("lobby: match %s info to %s: %v", m.name, p, err)
	}
}

// OnPeerRemoved 最后一名玩家离开后关闭对局
func (m *Match) OnPeerRemoved(s *zscope.ServerScope, _ *zscope.Peer) {
	if s.PeerCount() > 0 {
		return
	}
	m.lobby.removeMatch(m)
	s.Close()
	m.lobby.logger.Infof("lobby: match %s closed", m.name)
}

// LeaveMatch()：回到大厅
func (m *Match) leave(c *zscope.Call) error {
	return m.scope.RemovePeer(c.Peer(), true)
}

// GetPlayers() []string：对局中的 peer id
func (m *Match) players(c *zscope.Call) ([]string, error) {
	peers := m.scope.Peers()
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID())
	}
	return ids, nil
}

// Chat(text)：转发给对局中其他玩家
func (m *Match) chat(c *zscope.Call) error {
	text, err := c.Args.ReadString()
	if err != nil {
		return err
	}
	msg := &ChatMessage{From: c.Peer().ID(), Text: text}
	m.scope.Broadcast(SignalChatMessage, msg.Serialize, c.Peer())
	return nil
}
