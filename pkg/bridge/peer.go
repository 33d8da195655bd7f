package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/deskbridge/pkg/logger"
	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

// PeerState is the lifecycle state of a connection. The state machine is
// strictly forward: connecting → registered → active → disconnected.
// A reconnecting client is a brand-new Peer.
type PeerState int32

const (
	StateConnecting PeerState = iota
	StateRegistered
	StateActive
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	writeTimeout = 5 * time.Second
	maxFrameSize = 512 * 1024
)

// Peer is one connected client session. The hub loop owns role, state
// transitions and the congestion latch; lastSeen is atomic because the
// status endpoint reads it concurrently.
type Peer struct {
	id   string
	conn *websocket.Conn

	role     protocol.Role
	state    atomic.Int32
	lastSeen atomic.Int64

	send      chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once

	// congested latches the backpressure notice so a single episode
	// produces exactly one notice. Hub-loop owned.
	congested bool

	// writing guards the flush-then-close window against cutting off a
	// frame mid-write.
	writing atomic.Bool
}

func newPeer(conn *websocket.Conn, sendBuffer int) *Peer {
	p := &Peer{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan protocol.Frame, sendBuffer),
		closed: make(chan struct{}),
	}
	p.state.Store(int32(StateConnecting))
	p.touch()
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Role() protocol.Role { return p.role }

func (p *Peer) State() PeerState { return PeerState(p.state.Load()) }

func (p *Peer) setState(s PeerState) { p.state.Store(int32(s)) }

// touch advances lastSeen. Called only after a frame parses successfully;
// sends never advance it.
func (p *Peer) touch() { p.lastSeen.Store(time.Now().UnixMilli()) }

// LastSeen returns the time of the last successfully parsed inbound frame.
func (p *Peer) LastSeen() time.Time { return time.UnixMilli(p.lastSeen.Load()) }

// enqueue hands a frame to the write pump without blocking the hub loop.
// When the buffer is full the oldest queued frame is shed so the newest
// survives. Returns true if anything was shed.
func (p *Peer) enqueue(f protocol.Frame) bool {
	select {
	case p.send <- f:
		return false
	default:
	}

	select {
	case <-p.send:
	default:
	}
	select {
	case p.send <- f:
	default:
	}
	return true
}

// drained reports whether the send buffer has fallen back to half capacity,
// which ends a congestion episode.
func (p *Peer) drained() bool {
	return len(p.send) <= cap(p.send)/2
}

// close tears down the connection. Idempotent; unblocks both pumps.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.conn != nil {
			p.conn.Close()
		}
	})
}

// closeAfterFlush gives the write pump a short window to drain final
// notices (superseded, peer.left, errors) before the socket closes.
func (p *Peer) closeAfterFlush() {
	go func() {
		deadline := time.After(200 * time.Millisecond)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				p.close()
				return
			case <-tick.C:
				if len(p.send) == 0 && !p.writing.Load() {
					p.close()
					return
				}
			}
		}
	}()
}

// writePump serializes queued frames onto the websocket. It is the only
// writer to the connection.
func (p *Peer) writePump() {
	for {
		select {
		case f := <-p.send:
			p.writing.Store(true)
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := p.conn.WriteJSON(f)
			p.writing.Store(false)
			if err != nil {
				logger.DebugCF("peer", "write failed", map[string]any{
					"peer":  p.id,
					"error": err.Error(),
				})
				p.close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// readPump reads frames off the wire and publishes them to the hub.
// A frame that fails to parse ends the connection with reason error; the
// failure is isolated to this peer.
func (p *Peer) readPump(h *Hub) {
	defer p.close()
	p.conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			h.publish(event{kind: evLeave, peer: p, reason: protocol.ReasonClosed})
			return
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			logger.WarnCF("peer", "malformed frame, closing connection", map[string]any{
				"peer":  p.id,
				"error": err.Error(),
			})
			p.enqueue(protocol.NewError(protocol.CodeMalformed, "unparsable frame", ""))
			h.publish(event{kind: evLeave, peer: p, reason: protocol.ReasonError})
			return
		}

		h.publish(event{kind: evFrame, peer: p, frame: f})
	}
}

// publish pushes an event into the hub bus from a connection goroutine.
func (h *Hub) publish(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, ev); err != nil {
		logger.DebugCF("hub", "event dropped", map[string]any{"error": err.Error()})
	}
}
