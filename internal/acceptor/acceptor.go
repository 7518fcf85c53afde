// Package acceptor listens on a TCP port and forwards accepted
// connections to a torrent's event loop without blocking on handshakes.
package acceptor

import (
	"net"
	"strconv"

	"github.com/coredrop/torrentengine/internal/logger"
)

// Acceptor runs an accept loop on a single listener.
type Acceptor struct {
	port     int
	connC    chan<- net.Conn
	closeC   chan struct{}
	doneC    chan struct{}
	log      logger.Logger
	listener net.Listener
}

// New creates an acceptor that will deliver accepted connections to connC.
func New(port int, connC chan<- net.Conn, l logger.Logger) *Acceptor {
	return &Acceptor{
		port:   port,
		connC:  connC,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
		log:    l,
	}
}

// Run opens the listener and accepts connections until Close is called.
// portC, if non-nil, receives the bound port once listening starts.
func (a *Acceptor) Run(portC chan<- int) {
	defer close(a.doneC)

	l, err := net.Listen("tcp", portAddr(a.port))
	if err != nil {
		a.log.Errorln("cannot listen port:", err)
		return
	}
	a.listener = l
	defer l.Close()

	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok && portC != nil {
		select {
		case portC <- tcpAddr.Port:
		case <-a.closeC:
			return
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Errorln("cannot accept connection:", err)
				return
			}
		}
		select {
		case a.connC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

func portAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Close stops the accept loop and closes the listener.
func (a *Acceptor) Close() {
	close(a.closeC)
	if a.listener != nil {
		a.listener.Close()
	}
	<-a.doneC
}
