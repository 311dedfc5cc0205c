package mesh

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

var (
	ErrLinkClosed    = errors.New("mesh: link closed")
	ErrSendQueueFull = errors.New("mesh: outbound queue full")
	ErrNoLink        = errors.New("mesh: no link to peer")
)

const (
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
	readLimit         = 16 << 20
)

// link is one websocket connection to a peer. All writes go through the
// outbound queue so a single goroutine owns the connection's write side.
type link struct {
	conn *websocket.Conn
	out  chan []byte

	peerID    atomic.Value
	authed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn *websocket.Conn) *link {
	conn.SetReadLimit(readLimit)
	return &link{
		conn: conn,
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}
}

func (l *link) id() string {
	if v, ok := l.peerID.Load().(string); ok {
		return v
	}
	return ""
}

func (l *link) setID(id string) {
	l.peerID.Store(id)
}

// enqueue hands raw bytes to the writer goroutine. A slow peer sheds load
// here instead of blocking the caller.
func (l *link) enqueue(raw []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.out <- raw:
		return nil
	case <-l.done:
		return ErrLinkClosed
	default:
		return ErrSendQueueFull
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case raw := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				l.close()
				return
			}
		}
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.conn != nil {
			_ = l.conn.Close()
		}
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
