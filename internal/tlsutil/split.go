package tlsutil

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// recordHandshake is the first byte of every TLS connection.
const recordHandshake = 0x16

// sniffTimeout bounds how long a client may stay silent before its
// connection is dropped.
const sniffTimeout = 10 * time.Second

type chanListener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.addr
}

func (l *chanListener) deliver(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.closed:
		_ = c.Close()
	}
}

type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// SplitListener serves IPP and IPPS on one port. Connections that open with
// a TLS handshake go to the second listener, already wrapped by tlsConfig;
// everything else goes to the first. Each connection is sniffed on its own
// goroutine so a silent client cannot stall the accept loop.
func SplitListener(base net.Listener, tlsConfig *tls.Config, logger *log.Logger) (plain, secure net.Listener) {
	pl := newChanListener(base.Addr())
	tl := newChanListener(base.Addr())

	go func() {
		defer func() {
			_ = pl.Close()
			_ = tl.Close()
		}()
		for {
			conn, err := base.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("accept", "err", err)
				}
				time.Sleep(50 * time.Millisecond)
				continue
			}
			go route(conn, tlsConfig, pl, tl)
		}
	}()
	return pl, tl
}

func route(conn net.Conn, tlsConfig *tls.Config, plain, secure *chanListener) {
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return
	}
	pc := &peekConn{Conn: conn, reader: br}
	if b[0] == recordHandshake && tlsConfig != nil {
		secure.deliver(tls.Server(pc, tlsConfig))
		return
	}
	plain.deliver(pc)
}
