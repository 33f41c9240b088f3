package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hunyxv/zscope"
	"github.com/hunyxv/zscope/admin"
	"github.com/hunyxv/zscope/example/lobby"
	"github.com/hunyxv/zscope/transport"
)

var (
	transportName = flag.String("transport", "tcp", "tcp | quic | zmq")
	listenAddr    = flag.String("listen", ":10080", "listen address (zmq: tcp://*:10080)")
	adminAddr     = flag.String("admin", "127.0.0.1:10081", "admin JSON-RPC address, empty to disable")
	advertise     = flag.String("advertise", "", "host advertised to the registry, default first local ip")
	maxPeers      = flag.Int("max-peers", 0, "max connected peers, 0 for unlimited")
	protocol      = flag.String("protocol", "", "client protocol version constraint, e.g. ^1.0")
	registry      = flag.String("registry", "", "etcd | consul | zookeeper, empty to disable")
	registryAddrs = flag.String("registry-addr", "127.0.0.1:2379", "comma separated registry endpoints")
	heartbeat     = flag.Duration("heartbeat", 10*time.Second, "registry heartbeat period")
	debug         = flag.Bool("debug", false, "debug log")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := zscope.NewLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, logger zscope.Logger) error {
	node := zscope.DefaultNode()
	node.Transport = *transportName
	if *advertise != "" {
		node.Host = *advertise
	}
	if port, err := listenPort(*listenAddr); err == nil {
		node.Port = port
	}
	state := zscope.NewNodeState(node)

	opts := []zscope.Option{
		zscope.WithLogger(logger),
		zscope.WithMaxPeers(*maxPeers),
		zscope.WithNodeState(state),
	}
	if *protocol != "" {
		opts = append(opts, zscope.WithProtocolConstraint(*protocol))
	}
	if *registry != "" {
		rd, err := newRegisterDiscover(state, logger)
		if err != nil {
			return err
		}
		opts = append(opts, zscope.WithRegisterDiscover(rd))
	}

	server, err := zscope.NewServer(opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	if _, err := lobby.NewLobby(server); err != nil {
		return err
	}

	l, err := listen(logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, l)
	})

	if *adminAddr != "" {
		h, err := admin.NewHandler(server)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: *adminAddr, Handler: h}
		g.Go(func() error {
			logger.Infof("admin: serving on %s", *adminAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

func listen(logger zscope.Logger) (transport.Listener, error) {
	switch *transportName {
	case "tcp":
		return transport.ListenTCP(transport.TCPOpts{ListenAddr: *listenAddr, Logger: logger})
	case "quic":
		return transport.ListenQUIC(transport.QUICOpts{ListenAddr: *listenAddr, Logger: logger})
	case "zmq":
		endpoint := *listenAddr
		if !strings.Contains(endpoint, "://") {
			host, port, err := net.SplitHostPort(endpoint)
			if err != nil {
				return nil, err
			}
			if host == "" {
				host = "*"
			}
			endpoint = "tcp://" + net.JoinHostPort(host, port)
		}
		return transport.ListenZMQ(transport.ZMQOpts{Endpoint: endpoint, Logger: logger})
	}
	return nil, fmt.Errorf("unknown transport %q", *transportName)
}

func newRegisterDiscover(state *zscope.NodeState, logger zscope.Logger) (zscope.RegisterDiscover, error) {
	endpoints := strings.Split(*registryAddrs, ",")
	rcnf := &zscope.RegisterConfig{
		Registries:      endpoints,
		HeartBeatPeriod: *heartbeat,
		Node:            state,
		Logger:          logger,
	}
	dcnf := &zscope.DiscoverConfig{
		Registries:  endpoints,
		ServiceName: state.Snapshot().ServiceName,
		Logger:      logger,
	}

	var (
		r   zscope.ServiceRegister
		d   zscope.ServiceDiscover
		err error
	)
	switch *registry {
	case "etcd":
		if r, err = zscope.NewEtcdRegister(rcnf); err == nil {
			d, err = zscope.NewEtcdDiscover(dcnf)
		}
	case "consul":
		if r, err = zscope.NewConsulRegister(rcnf); err == nil {
			d, err = zscope.NewConsulDiscover(dcnf)
		}
	case "zookeeper", "zk":
		if r, err = zscope.NewZookeeperRegister(rcnf); err == nil {
			d, err = zscope.NewZookeeperDiscover(dcnf)
		}
	default:
		return nil, fmt.Errorf("unknown registry %q", *registry)
	}
	if err != nil {
		return nil, err
	}
	return zscope.NewRegisterDiscover(r, d), nil
}

func listenPort(addr string) (int, error) {
	addr = strings.TrimPrefix(addr, "tcp://")
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
