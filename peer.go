package zscope

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/hunyxv/zscope/transport"
)

// DisconnectReason DisconnectMessage 携带的原因码
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonKicked
	ReasonServerFull
	ReasonVersionMismatch
	ReasonServerShutdown
	ReasonProtocolError
	// ReasonTransportClosed 连接已断开，不会发送给对端
	ReasonTransportClosed
	// ReasonLeft 对端主动 Disconnect
	ReasonLeft
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonKicked:
		return "kicked"
	case ReasonServerFull:
		return "server full"
	case ReasonVersionMismatch:
		return "version mismatch"
	case ReasonServerShutdown:
		return "server shutdown"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonTransportClosed:
		return "transport closed"
	case ReasonLeft:
		return "left"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// DisconnectObserver peer 断开通知，每个 peer 至多一次
type DisconnectObserver func(p *Peer, reason DisconnectReason)

// Peer 服务端视角的一个已连接对端
//
//	连接归 transport 所有；peer 销毁后不可复用，软断开后同一连接重新 Connect 会得到新的 Peer
type Peer struct {
	id          string
	conn        transport.Conn
	connectTime time.Time

	destroyed int32
	// handshaked 0 未握手，1 已握手并占用连接名额，2 名额已归还
	handshaked int32

	// mu 保护 scope；加锁顺序 peer.mu -> scope.mu
	mu    sync.Mutex
	scope *ServerScope

	promises *PromiseTable

	obsMu     sync.Mutex
	observers []DisconnectObserver

	values sync.Map
}

func newPeer(conn transport.Conn, promises *PromiseTable) *Peer {
	return &Peer{
		id:          uuid.NewUUID().String(),
		conn:        conn,
		connectTime: time.Now(),
		promises:    promises,
	}
}

func (p *Peer) ID() string { return p.id }

// Conn 底层连接
func (p *Peer) Conn() transport.Conn { return p.conn }

func (p *Peer) RemoteAddr() string { return p.conn.RemoteAddr() }

func (p *Peer) ConnectTime() time.Time { return p.connectTime }

func (p *Peer) IsDestroyed() bool { return atomic.LoadInt32(&p.destroyed) == 1 }

// IsConnected 是否已完成 Connect 握手且未销毁
func (p *Peer) IsConnected() bool {
	return atomic.LoadInt32(&p.handshaked) == 1 && !p.IsDestroyed()
}

// Scope 当前所在的服务端 scope
func (p *Peer) Scope() *ServerScope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scope
}

// Promises 该 peer 的在途 promise
func (p *Peer) Promises() *PromiseTable { return p.promises }

// Send 发送完整消息
func (p *Peer) Send(b []byte) error {
	if p.IsDestroyed() {
		return errors.Wrapf(ErrPeerDisconnected, "peer %s", p.id)
	}
	return p.conn.Send(b)
}

func (p *Peer) sendSystem(id int32, msg Serializable) error {
	return p.Send(EncodeSignal(SystemChannel, id, func(w *Writer) {
		if msg != nil {
			msg.Serialize(w)
		}
	}))
}

// OnDisconnect 注册断开通知；peer 已销毁时不会再触发
func (p *Peer) OnDisconnect(fn DisconnectObserver) {
	p.obsMu.Lock()
	p.observers = append(p.observers, fn)
	p.obsMu.Unlock()
}

func (p *Peer) fireDisconnect(reason DisconnectReason) {
	p.obsMu.Lock()
	observers := p.observers
	p.observers = nil
	p.obsMu.Unlock()

	for _, fn := range observers {
		fn(p, reason)
	}
}

// SetValue 附加应用数据
func (p *Peer) SetValue(key, value any) { p.values.Store(key, value) }

func (p *Peer) Value(key any) (any, bool) { return p.values.Load(key) }

func (p *Peer) String() string {
	return fmt.Sprintf("peer(%s@%s)", p.id, p.conn.RemoteAddr())
}
