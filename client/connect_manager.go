package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/transport"
)

var ErrNoServer = errors.New("client: no server available")

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = zscope.DefaultLogger()
	}
	if o.Dialer == nil {
		o.Dialer = &transport.TCPDialer{Opts: transport.TCPOpts{Logger: o.Logger}}
	}
	return o
}

// Dial 连接 addr 并完成握手；开启 WithFollowRedirects 时按 RedirectMessage 改连
func Dial(ctx context.Context, addr string, registry *Registry, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	for redirects := 0; ; redirects++ {
		c, err := dialOnce(ctx, addr, registry, o)
		if err == nil {
			return c, nil
		}

		var redirect *RedirectError
		if !errors.As(err, &redirect) || !o.FollowRedirects {
			return nil, err
		}
		if redirects >= o.MaxRedirects {
			return nil, errors.WithMessagef(err, "client: too many redirects (%d)", redirects)
		}
		o.Logger.Infof("client: %s redirected to %s", addr, redirect.Address())
		addr = redirect.Address()
	}
}

func dialOnce(ctx context.Context, addr string, registry *Registry, o *options) (*Client, error) {
	c, err := newClient(addr, registry, o)
	if err != nil {
		return nil, err
	}
	// Dial 内回调 OnConnect
	if _, err := o.Dialer.Dial(ctx, addr, c); err != nil {
		c.teardown(ErrClosed)
		return nil, err
	}

	hctx := ctx
	if o.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, o.HandshakeTimeout)
		defer cancel()
	}
	if err := c.Handshake(hctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// DialCluster 通过服务发现选择空闲节点连接，直到 ctx 结束
//
//	discover 由调用方创建，返回前停止监控
func DialCluster(ctx context.Context, discover zscope.ServiceDiscover, registry *Registry, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	cluster := zscope.NewCluster("", o.Logger)
	go discover.Watch(cluster)
	defer discover.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if node, ok := cluster.SelectNode(); ok {
			c, err := Dial(ctx, node.Address(), registry, opts...)
			if err == nil {
				return c, nil
			}
			o.Logger.Warnf("client: dial node %s (%s): %v", node.NodeID, node.Address(), err)
			cluster.Delete(node.NodeID)
		}

		select {
		case <-ctx.Done():
			return nil, errors.WithMessage(ErrNoServer, ctx.Err().Error())
		case <-ticker.C:
		}
	}
}
