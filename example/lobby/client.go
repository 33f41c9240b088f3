package lobby

import (
	"sync"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/client"
)

var clientLobbyTable = zscope.MustSignalTable[*ClientLobby]("Lobby", LobbyKind, zscope.Strict, nil,
	zscope.Expect[*ClientLobby](SignalGetOnlinePlayerCount),
	zscope.On(SignalChatMessage, (*ClientLobby).onChatMessage),
)

var clientMatchTable = zscope.MustSignalTable[*ClientMatch]("Match", MatchKind, zscope.Strict, nil,
	zscope.Expect[*ClientMatch](SignalGetPlayers),
	zscope.On(SignalChatMessage, (*ClientMatch).onChatMessage),
	zscope.On(SignalMatchInfo, (*ClientMatch).onMatchInfo),
)

// NewRegistry 客户端 scope 注册表：大厅与对局
func NewRegistry() (*client.Registry, error) {
	r := client.NewRegistry()
	if err := client.RegisterTable(r, clientLobbyTable, func(s *client.Scope) *ClientLobby { return &ClientLobby{scope: s, chat: newInbox()} }); err != nil {
		return nil, err
	}
	if err := client.RegisterTable(r, clientMatchTable, func(s *client.Scope) *ClientMatch { return &ClientMatch{scope: s, chat: newInbox()} }); err != nil {
		return nil, err
	}
	return r, nil
}

// inbox 缓存收到的聊天消息，满了丢弃最新的
type inbox chan ChatMessage

func newInbox() inbox { return make(inbox, 64) }

func (in inbox) put(m ChatMessage) {
	select {
	case in <- m:
	default:
	}
}

// ClientLobby 客户端大厅
type ClientLobby struct {
	scope *client.Scope
	chat  inbox
}

// Scope 对应的客户端 scope
func (l *ClientLobby) Scope() *client.Scope { return l.scope }

// Chat 收到的聊天消息
func (l *ClientLobby) Chat() <-chan ChatMessage { return l.chat }

func (l *ClientLobby) CreateMatch(name string) error {
	return l.scope.Send(SignalCreateMatch, func(w *zscope.Writer) { w.WriteString(name) })
}

func (l *ClientLobby) GetOnlinePlayerCount() (*zscope.Promise[int32], error) {
	return client.Request(l.scope, SignalGetOnlinePlayerCount, nil, readInt32)
}

func (l *ClientLobby) SendChat(text string) error {
	return l.scope.Send(SignalChat, func(w *zscope.Writer) { w.WriteString(text) })
}

func (l *ClientLobby) onChatMessage(c *zscope.Call) error {
	var m ChatMessage
	if err := m.Deserialize(c.Args); err != nil {
		return err
	}
	l.chat.put(m)
	return nil
}

// ClientMatch 客户端对局
type ClientMatch struct {
	scope *client.Scope
	chat  inbox

	mu   sync.Mutex
	info MatchInfo
}

func (m *ClientMatch) Scope() *client.Scope { return m.scope }

// OnEnter 对局视图就绪前先暂停，期间到达的 MatchInfo、聊天在 Ready 时按序回放
func (m *ClientMatch) OnEnter(s *client.Scope) { s.Pause() }

// Ready 对局视图已就绪，开始投递信号
func (m *ClientMatch) Ready() { m.scope.Resume() }

func (m *ClientMatch) Chat() <-chan ChatMessage { return m.chat }

// Info 最近一次收到的对局信息
func (m *ClientMatch) Info() MatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *ClientMatch) LeaveMatch() error {
	return m.scope.Send(SignalLeaveMatch, nil)
}

func (m *ClientMatch) GetPlayers() (*zscope.Promise[[]string], error) {
	return client.Request(m.scope, SignalGetPlayers, nil, readStrings)
}

func (m *ClientMatch) SendChat(text string) error {
	return m.scope.Send(SignalChat, func(w *zscope.Writer) { w.WriteString(text) })
}

func (m *ClientMatch) onChatMessage(c *zscope.Call) error {
	var msg ChatMessage
	if err := msg.Deserialize(c.Args); err != nil {
		return err
	}
	m.chat.put(msg)
	return nil
}

func (m *ClientMatch) onMatchInfo(c *zscope.Call) error {
	var info MatchInfo
	if err := c.Args.ReadMsgpack(&info); err != nil {
		return err
	}
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	return nil
}
