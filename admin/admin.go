// Package admin 通过 HTTP JSON-RPC 2.0 暴露服务端的运行状态与踢人操作
package admin

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
)

// ServiceName JSON-RPC 方法前缀，如 Admin.Stats
const ServiceName = "Admin"

var ErrPeerNotFound = errors.New("admin: peer not found")

// Service JSON-RPC 服务
type Service struct {
	server *zscope.Server
}

func NewService(server *zscope.Server) *Service {
	return &Service{server: server}
}

// NewHandler 以 json2 编解码注册 Service
func NewHandler(server *zscope.Server) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(NewService(server), ServiceName); err != nil {
		return nil, errors.WithMessage(err, "admin: register service")
	}
	return s, nil
}

type EmptyArgs struct{}

// ScopeInfo 一个活动 scope
type ScopeInfo struct {
	Channel  int16  `json:"channel"`
	Kind     uint16 `json:"kind"`
	Name     string `json:"name"`
	Peers    int    `json:"peers"`
	Paused   bool   `json:"paused"`
	Pending  int    `json:"pending"`
	Fallback int16  `json:"fallback,omitempty"`
}

type ScopesReply struct {
	Scopes []ScopeInfo `json:"scopes"`
}

// PeerInfo 一个连接上的 peer
type PeerInfo struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remote_addr"`
	Connected   bool   `json:"connected"`
	ConnectTime int64  `json:"connect_time"`
	Channel     int16  `json:"channel,omitempty"`
	Promises    int    `json:"promises"`
}

type PeersReply struct {
	Peers []PeerInfo `json:"peers"`
}

type KickArgs struct {
	PeerID string `json:"peer_id"`
}

type KickReply struct {
	Kicked bool `json:"kicked"`
}

// Stats 运行统计
func (s *Service) Stats(_ *http.Request, _ *EmptyArgs, reply *zscope.Stats) error {
	*reply = s.server.Stats()
	return nil
}

// Scopes 所有活动 scope
func (s *Service) Scopes(_ *http.Request, _ *EmptyArgs, reply *ScopesReply) error {
	scopes := s.server.Scopes()
	reply.Scopes = make([]ScopeInfo, 0, len(scopes))
	for _, sc := range scopes {
		info := ScopeInfo{
			Channel: int16(sc.ChannelID()),
			Kind:    uint16(sc.Kind()),
			Name:    sc.Name(),
			Peers:   sc.PeerCount(),
			Paused:  sc.IsPaused(),
			Pending: sc.Pending(),
		}
		if fb := sc.Fallback(); fb != nil {
			info.Fallback = int16(fb.ChannelID())
		}
		reply.Scopes = append(reply.Scopes, info)
	}
	return nil
}

// Peers 所有连接上的 peer
func (s *Service) Peers(_ *http.Request, _ *EmptyArgs, reply *PeersReply) error {
	peers := s.server.Peers()
	reply.Peers = make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		info := PeerInfo{
			ID:          p.ID(),
			RemoteAddr:  p.RemoteAddr(),
			Connected:   p.IsConnected(),
			ConnectTime: p.ConnectTime().Unix(),
			Promises:    p.Promises().Len(),
		}
		if sc := p.Scope(); sc != nil {
			info.Channel = int16(sc.ChannelID())
		}
		reply.Peers = append(reply.Peers, info)
	}
	return nil
}

// Kick 以 Kicked 原因断开 peer
func (s *Service) Kick(_ *http.Request, args *KickArgs, reply *KickReply) error {
	p, ok := s.server.Peer(args.PeerID)
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "id %s", args.PeerID)
	}
	reply.Kicked = s.server.ForceDisconnect(p, zscope.ReasonKicked)
	return nil
}
