package zscope

// 系统通道上的信号名
const (
	ConnectSignal           = "Connect"
	DisconnectSignal        = "Disconnect"
	EnterScopeSignal        = "EnterScope"
	ExitScopeSignal         = "ExitScope"
	SwitchScopeSignal       = "SwitchScope"
	DisconnectMessageSignal = "DisconnectMessage"
	RedirectMessageSignal   = "RedirectMessage"
)

var (
	ConnectID           = SignalID(ConnectSignal)
	DisconnectID        = SignalID(DisconnectSignal)
	EnterScopeID        = SignalID(EnterScopeSignal)
	ExitScopeID         = SignalID(ExitScopeSignal)
	SwitchScopeID       = SignalID(SwitchScopeSignal)
	DisconnectMessageID = SignalID(DisconnectMessageSignal)
	RedirectMessageID   = SignalID(RedirectMessageSignal)
)

// ConnectRequest client -> server 握手
type ConnectRequest struct {
	ProtocolVersion string
}

func (m *ConnectRequest) Serialize(w *Writer) { w.WriteString(m.ProtocolVersion) }

func (m *ConnectRequest) Deserialize(r *Reader) (err error) {
	m.ProtocolVersion, err = r.ReadString()
	return
}

// ConnectReply server -> client 握手应答
type ConnectReply struct {
	PeerID string
}

func (m *ConnectReply) Serialize(w *Writer) { w.WriteString(m.PeerID) }

func (m *ConnectReply) Deserialize(r *Reader) (err error) {
	m.PeerID, err = r.ReadString()
	return
}

// EnterScope 通知客户端创建对应的 scope
type EnterScope struct {
	Channel ChannelID
	Kind    ScopeKind
}

func (m *EnterScope) Serialize(w *Writer) {
	w.WriteChannelID(m.Channel)
	w.WriteScopeKind(m.Kind)
}

func (m *EnterScope) Deserialize(r *Reader) (err error) {
	if m.Channel, err = r.ReadChannelID(); err != nil {
		return
	}
	m.Kind, err = r.ReadScopeKind()
	return
}

// ExitScope 通知客户端销毁 scope
type ExitScope struct {
	Channel ChannelID
}

func (m *ExitScope) Serialize(w *Writer) { w.WriteChannelID(m.Channel) }

func (m *ExitScope) Deserialize(r *Reader) (err error) {
	m.Channel, err = r.ReadChannelID()
	return
}

// SwitchScope 通知客户端从旧 scope 切换到新 scope
type SwitchScope struct {
	OldChannel ChannelID
	NewChannel ChannelID
	NewKind    ScopeKind
}

func (m *SwitchScope) Serialize(w *Writer) {
	w.WriteChannelID(m.OldChannel)
	w.WriteChannelID(m.NewChannel)
	w.WriteScopeKind(m.NewKind)
}

func (m *SwitchScope) Deserialize(r *Reader) (err error) {
	if m.OldChannel, err = r.ReadChannelID(); err != nil {
		return
	}
	if m.NewChannel, err = r.ReadChannelID(); err != nil {
		return
	}
	m.NewKind, err = r.ReadScopeKind()
	return
}

// DisconnectMessage 服务端断开前发送的原因
type DisconnectMessage struct {
	Reason DisconnectReason
}

func (m *DisconnectMessage) Serialize(w *Writer) { w.WriteUint8(uint8(m.Reason)) }

func (m *DisconnectMessage) Deserialize(r *Reader) error {
	v, err := r.ReadUint8()
	m.Reason = DisconnectReason(v)
	return err
}

// RedirectMessage 要求客户端改连其他节点
type RedirectMessage struct {
	Hostname string
	Port     int32
}

func (m *RedirectMessage) Serialize(w *Writer) {
	w.WriteString(m.Hostname)
	w.WriteInt32(m.Port)
}

func (m *RedirectMessage) Deserialize(r *Reader) (err error) {
	if m.Hostname, err = r.ReadString(); err != nil {
		return
	}
	m.Port, err = r.ReadInt32()
	return
}
