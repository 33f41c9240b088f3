package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// 帧类型：ROUTER 收到 [identity][kind][payload]，DEALER 收到 [kind][payload]
const (
	kindData      = "d"
	kindHeartbeat = "h"
	kindBye       = "b"
)

type command string

const (
	_CLOSE = command("close") // 关闭 socket
)

var ErrHeartbeatTimeout = errors.New("transport: zmq heartbeat timeout")

// ZMQOpts zmq 传输配置：服务端 ROUTER，客户端 DEALER
type ZMQOpts struct {
	Endpoint          string        // 服务端 bind 地址，如 tcp://*:10080
	HeartbeatInterval time.Duration // 心跳间隔，3 个间隔没有收到任何帧视为断开
	Logger            Logger
}

func (o *ZMQOpts) prepare() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	o.Logger = orNop(o.Logger)
}

// socket zmq socket 不是并发安全的：收发都在 mainLoop 中进行，
// 其他协程的发送经 inproc PUSH/PULL 转交给 mainLoop
type socket struct {
	id       string
	socket   *zmq.Socket
	sendChan chan [][]byte
	cmdChan  chan command
	done     chan struct{}
	interval time.Duration
	logger   Logger

	onRecv func(msg [][]byte)
	onTick func()

	once sync.Once
}

func newSocket(t zmq.Type, identity, bind, connect string, opts ZMQOpts, onRecv func([][]byte), onTick func()) (*socket, error) {
	soc, err := zmq.NewSocket(t)
	if err != nil {
		return nil, err
	}
	soc.SetLinger(100 * time.Millisecond)
	if identity != "" {
		if err := soc.SetIdentity(identity); err != nil {
			soc.Close()
			return nil, err
		}
	}
	if bind != "" {
		if err := soc.Bind(bind); err != nil {
			soc.Close()
			return nil, err
		}
	}
	if connect != "" {
		if err := soc.Connect(connect); err != nil {
			soc.Close()
			return nil, err
		}
	}

	s := &socket{
		id:       uuid.NewRandom().String(),
		socket:   soc,
		sendChan: make(chan [][]byte, 64),
		cmdChan:  make(chan command),
		done:     make(chan struct{}),
		interval: opts.HeartbeatInterval,
		logger:   opts.Logger,
		onRecv:   onRecv,
		onTick:   onTick,
	}
	return s, nil
}

// start 回调中引用的状态就绪后再启动
func (s *socket) start() {
	ready := make(chan struct{})
	go s.sendLoop(ready)
	<-ready
	go s.mainLoop()
}

func (s *socket) mainLoop() {
	defer close(s.done)
	defer s.socket.Close()

	// 用于接收 send 消息
	localPull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		return
	}
	if err := localPull.Connect(fmt.Sprintf("inproc://local_pull_%s", s.id)); err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		return
	}
	defer localPull.Close()

	// pipe 用于接收指令
	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		return
	}
	if err := pipe.Connect(fmt.Sprintf("inproc://local_pipe_%s", s.id)); err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		return
	}
	defer pipe.Close()

	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)
	poller.Add(localPull, zmq.POLLIN)
	poller.Add(pipe, zmq.POLLIN)

	lastTick := time.Now()
	for {
		polls, err := poller.Poll(s.interval / 2)
		if err != nil {
			s.logger.Warnf("transport: zmq poll: %v", err)
			continue
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case pipe:
				cmd, err := pipe.RecvMessage(0)
				if err != nil || command(cmd[0]) == _CLOSE {
					s.flush(localPull)
					return
				}
			case localPull:
				msg, err := localPull.RecvMessageBytes(0)
				if err != nil {
					s.logger.Warnf("transport: zmq: %v", err)
					continue
				}
				s.write(msg)
			case s.socket:
				msg, err := s.socket.RecvMessageBytes(0)
				if err != nil {
					s.logger.Warnf("transport: zmq recv: %v", err)
					continue
				}
				s.onRecv(msg)
			}
		}

		if time.Since(lastTick) >= s.interval {
			lastTick = time.Now()
			s.onTick()
		}
	}
}

func (s *socket) sendLoop(ready chan<- struct{}) {
	localPush, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		close(ready)
		return
	}
	defer localPush.Close()
	if err := localPush.Bind(fmt.Sprintf("inproc://local_pull_%s", s.id)); err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		close(ready)
		return
	}

	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		close(ready)
		return
	}
	defer pipe.Close()
	if err := pipe.Bind(fmt.Sprintf("inproc://local_pipe_%s", s.id)); err != nil {
		s.logger.Errorf("transport: zmq: %v", err)
		close(ready)
		return
	}
	close(ready)

	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.cmdChan:
			// 先转交已排队的消息，_CLOSE 之前发出的 bye 不会丢
			s.drain(localPush)
			if _, err := pipe.SendMessage(string(cmd)); err != nil {
				s.logger.Warnf("transport: zmq: %v", err)
			}
		case msg := <-s.sendChan:
			if _, err := localPush.SendMessage(msg); err != nil {
				s.logger.Warnf("transport: zmq: %v", err)
			}
		}
	}
}

func (s *socket) drain(push *zmq.Socket) {
	for {
		select {
		case msg := <-s.sendChan:
			if _, err := push.SendMessage(msg); err != nil {
				s.logger.Warnf("transport: zmq: %v", err)
			}
		default:
			return
		}
	}
}

// flush 关闭前写出 PULL 端剩余的消息，只能在 mainLoop 中调用
func (s *socket) flush(pull *zmq.Socket) {
	for {
		msg, err := pull.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			return
		}
		s.write(msg)
	}
}

// write 只能在 mainLoop 中调用
func (s *socket) write(msg [][]byte) {
	if _, err := s.socket.SendMessage(msg); err != nil {
		s.logger.Debugf("transport: zmq send: %v", err)
	}
}

// send 任意协程调用
func (s *socket) send(msg [][]byte) error {
	select {
	case <-s.done:
		return ErrClosed
	case s.sendChan <- msg:
		return nil
	}
}

func (s *socket) Close() {
	s.once.Do(func() {
		select {
		case <-s.done:
		case s.cmdChan <- _CLOSE:
			<-s.done
		}
	})
}

// zmqConn 以 identity 区分的虚连接
type zmqConn struct {
	id       string
	identity string
	remote   string
	sock     *socket
	inbox    *mailbox
	lastSeen int64
	closed   int32

	// 服务端连接关闭时从 listener 中移除
	release func(c *zmqConn)
}

func newZMQConn(identity, remote string, sock *socket) *zmqConn {
	return &zmqConn{
		id:       uuid.NewUUID().String(),
		identity: identity,
		remote:   remote,
		sock:     sock,
		inbox:    newMailbox(),
		lastSeen: time.Now().UnixNano(),
	}
}

func (c *zmqConn) ID() string         { return c.id }
func (c *zmqConn) RemoteAddr() string { return c.remote }

func (c *zmqConn) touch() { atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano()) }

func (c *zmqConn) expired(timeout time.Duration) bool {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastSeen))) > timeout
}

func (c *zmqConn) frame(kind string, payload []byte) [][]byte {
	if c.release != nil {
		return [][]byte{[]byte(c.identity), []byte(kind), payload}
	}
	return [][]byte{[]byte(kind), payload}
}

func (c *zmqConn) Send(b []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	if len(b) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooBig, "%d bytes", len(b))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return c.sock.send(c.frame(kindData, cp))
}

func (c *zmqConn) Close() error {
	c.closeWith(nil, true)
	return nil
}

func (c *zmqConn) closeWith(err error, bye bool) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	if bye {
		c.sock.send(c.frame(kindBye, nil))
	}
	c.inbox.shutdown(err)
	if c.release != nil {
		c.release(c)
	} else {
		// 客户端独占 socket
		go c.sock.Close()
	}
}

var (
	_ Listener = (*ZMQListener)(nil)
	_ Dialer   = (*ZMQDialer)(nil)
)

// ZMQListener ROUTER 服务端
type ZMQListener struct {
	opts ZMQOpts
	sock *socket

	mu    sync.Mutex
	conns map[string]*zmqConn // identity -> conn
}

func ListenZMQ(opts ZMQOpts) (*ZMQListener, error) {
	opts.prepare()
	if opts.Endpoint == "" {
		return nil, errors.New("transport: zmq endpoint required")
	}
	return &ZMQListener{
		opts:  opts,
		conns: make(map[string]*zmqConn),
	}, nil
}

func (l *ZMQListener) Addr() string { return l.opts.Endpoint }

func (l *ZMQListener) Serve(ctx context.Context, h Handler) error {
	sock, err := newSocket(zmq.ROUTER, "", l.opts.Endpoint, "", l.opts,
		func(msg [][]byte) { l.recv(msg, h) },
		l.tick,
	)
	if err != nil {
		return errors.WithMessagef(err, "transport: listen zmq %s", l.opts.Endpoint)
	}
	l.mu.Lock()
	l.sock = sock
	l.mu.Unlock()
	sock.start()

	select {
	case <-ctx.Done():
		l.Close()
	case <-sock.done:
	}
	return nil
}

// recv 在 mainLoop 中调用
func (l *ZMQListener) recv(msg [][]byte, h Handler) {
	if len(msg) < 2 {
		return
	}
	identity, kind := string(msg[0]), string(msg[1])

	l.mu.Lock()
	c, ok := l.conns[identity]
	if !ok && kind != kindBye {
		c = newZMQConn(identity, identity, l.sock)
		c.release = l.release
		l.conns[identity] = c
	}
	l.mu.Unlock()
	if c == nil {
		return
	}
	c.touch()

	if !ok {
		h.OnConnect(c)
		go c.inbox.run(
			func(b []byte) { h.OnMessage(c, b) },
			func(err error) { h.OnDisconnect(c, err) },
		)
	}

	switch kind {
	case kindData:
		if len(msg) > 2 {
			c.inbox.push(msg[2])
		}
	case kindHeartbeat:
		l.sock.write(c.frame(kindHeartbeat, nil))
	case kindBye:
		c.closeWith(nil, false)
	}
}

func (l *ZMQListener) tick() {
	timeout := 3 * l.opts.HeartbeatInterval
	l.mu.Lock()
	var expired []*zmqConn
	for _, c := range l.conns {
		if c.expired(timeout) {
			expired = append(expired, c)
		}
	}
	l.mu.Unlock()

	for _, c := range expired {
		l.opts.Logger.Infof("transport: zmq client %s heartbeat timeout", c.remote)
		c.closeWith(ErrHeartbeatTimeout, false)
	}
}

func (l *ZMQListener) release(c *zmqConn) {
	l.mu.Lock()
	if cur, ok := l.conns[c.identity]; ok && cur == c {
		delete(l.conns, c.identity)
	}
	l.mu.Unlock()
}

// Close 通知所有客户端后关闭 socket
func (l *ZMQListener) Close() error {
	l.mu.Lock()
	sock := l.sock
	conns := make([]*zmqConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if sock != nil {
		sock.Close()
	}
	return nil
}

// ZMQDialer DEALER 客户端，每次 Dial 一个 socket
type ZMQDialer struct {
	Opts ZMQOpts
}

func (d *ZMQDialer) Dial(ctx context.Context, addr string, h Handler) (Conn, error) {
	opts := d.Opts
	opts.prepare()

	var c *zmqConn
	timeout := 3 * opts.HeartbeatInterval
	sock, err := newSocket(zmq.DEALER, uuid.NewUUID().String(), "", addr, opts,
		func(msg [][]byte) {
			if len(msg) < 1 {
				return
			}
			c.touch()
			switch string(msg[0]) {
			case kindData:
				if len(msg) > 1 {
					c.inbox.push(msg[1])
				}
			case kindBye:
				c.closeWith(nil, false)
			}
		},
		func() {
			if c.expired(timeout) {
				opts.Logger.Infof("transport: zmq server %s heartbeat timeout", addr)
				c.closeWith(ErrHeartbeatTimeout, false)
				return
			}
			c.sock.write(c.frame(kindHeartbeat, nil))
		},
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: dial zmq %s", addr)
	}
	c = newZMQConn("", addr, sock)
	sock.start()

	h.OnConnect(c)
	go c.inbox.run(
		func(b []byte) { h.OnMessage(c, b) },
		func(err error) { h.OnDisconnect(c, err) },
	)
	return c, nil
}
