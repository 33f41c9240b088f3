// Package lobby 大厅与对局两种 scope：玩家连上后进入大厅，CreateMatch 把玩家切换到对局，
// 离开对局回到大厅。服务端与客户端两侧的实现都在这里。
package lobby

import "github.com/hunyxv/zscope"

const (
	LobbyKind zscope.ScopeKind = 1
	MatchKind zscope.ScopeKind = 2
)

// 信号名
const (
	SignalCreateMatch          = "CreateMatch"
	SignalGetOnlinePlayerCount = "GetOnlinePlayerCount"
	SignalLeaveMatch           = "LeaveMatch"
	SignalGetPlayers           = "GetPlayers"
	SignalChat                 = "Chat"
	SignalChatMessage          = "ChatMessage"
	SignalMatchInfo            = "MatchInfo"
)

// ChatMessage 服务端转发的聊天消息
type ChatMessage struct {
	From string
	Text string
}

func (m *ChatMessage) Serialize(w *zscope.Writer) {
	w.WriteString(m.From)
	w.WriteString(m.Text)
}

func (m *ChatMessage) Deserialize(r *zscope.Reader) (err error) {
	if m.From, err = r.ReadString(); err != nil {
		return
	}
	m.Text, err = r.ReadString()
	return
}

// MatchInfo 进入对局后服务端推送的对局信息
type MatchInfo struct {
	Name    string `msgpack:"name"`
	Players int    `msgpack:"players"`
}

func writeInt32(w *zscope.Writer, v int32) { w.WriteInt32(v) }

func readInt32(r *zscope.Reader) (int32, error) { return r.ReadInt32() }

func writeStrings(w *zscope.Writer, v []string) {
	zscope.WriteList(w, v, (*zscope.Writer).WriteString)
}

func readStrings(r *zscope.Reader) ([]string, error) {
	return zscope.ReadList(r, (*zscope.Reader).ReadString)
}
