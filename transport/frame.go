package transport

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// 流式连接的分帧：[uint32 大端长度][payload]

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooBig, "%d bytes", len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, header []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:4])
	if n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooBig, "%d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// streamConn tcp 与 quic 共用：一个读协程，写操作加锁
type streamConn struct {
	id     string
	remote string
	rw     io.ReadWriteCloser
	logger Logger

	wmu    sync.Mutex
	closed int32
	once   sync.Once
}

func newStreamConn(rw io.ReadWriteCloser, remote string, logger Logger) *streamConn {
	return &streamConn{
		id:     uuid.NewUUID().String(),
		remote: remote,
		rw:     rw,
		logger: orNop(logger),
	}
}

func (c *streamConn) ID() string         { return c.id }
func (c *streamConn) RemoteAddr() string { return c.remote }

func (c *streamConn) Send(b []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.rw, b); err != nil {
		return errors.WithMessagef(err, "transport: send to %s", c.remote)
	}
	return nil
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		// 等待进行中的写完成，告别消息不会被截断
		c.wmu.Lock()
		err = c.rw.Close()
		c.wmu.Unlock()
	})
	return err
}

// serve 读循环，结束时回调 OnDisconnect；OnConnect 由调用方先行回调
func (c *streamConn) serve(h Handler) {
	header := make([]byte, 4)
	var err error
	for {
		var b []byte
		b, err = readFrame(c.rw, header)
		if err != nil {
			break
		}
		h.OnMessage(c, b)
	}

	if errors.Is(err, io.EOF) || atomic.LoadInt32(&c.closed) == 1 {
		err = nil
	}
	c.Close()
	c.logger.Debugf("transport: connection %s closed", c.remote)
	h.OnDisconnect(c, err)
}
