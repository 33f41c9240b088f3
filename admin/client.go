package admin

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
)

// Caller 管理接口的 JSON-RPC 调用方
type Caller struct {
	URL  string
	HTTP *http.Client
}

func NewCaller(url string) *Caller {
	return &Caller{
		URL:  url,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

// Call method 形如 Admin.Stats
func (c *Caller) Call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return errors.WithMessagef(err, "admin: encode %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.WithMessagef(err, "admin: call %s", method)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("admin: call %s: http status %d", method, resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (c *Caller) Stats(ctx context.Context) (zscope.Stats, error) {
	var reply zscope.Stats
	err := c.Call(ctx, ServiceName+".Stats", &EmptyArgs{}, &reply)
	return reply, err
}

func (c *Caller) Scopes(ctx context.Context) ([]ScopeInfo, error) {
	var reply ScopesReply
	err := c.Call(ctx, ServiceName+".Scopes", &EmptyArgs{}, &reply)
	return reply.Scopes, err
}

func (c *Caller) Peers(ctx context.Context) ([]PeerInfo, error) {
	var reply PeersReply
	err := c.Call(ctx, ServiceName+".Peers", &EmptyArgs{}, &reply)
	return reply.Peers, err
}

func (c *Caller) Kick(ctx context.Context, peerID string) (bool, error) {
	var reply KickReply
	err := c.Call(ctx, ServiceName+".Kick", &KickArgs{PeerID: peerID}, &reply)
	return reply.Kicked, err
}
