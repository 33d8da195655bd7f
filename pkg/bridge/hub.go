package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/deskbridge/pkg/bus"
	"github.com/tinyland-inc/deskbridge/pkg/config"
	"github.com/tinyland-inc/deskbridge/pkg/logger"
	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

type eventKind int

const (
	evJoin eventKind = iota
	evFrame
	evLeave
	evTick
	evSnapshot
)

type event struct {
	kind   eventKind
	peer   *Peer
	frame  protocol.Frame
	reason string
	resp   chan Snapshot
}

// PeerStatus is the externally visible state of one role slot.
type PeerStatus struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	LastSeen   time.Time `json:"last_seen"`
	QueueDepth int       `json:"queue_depth"`
}

// Snapshot is the /status view of the bridge.
type Snapshot struct {
	Peers map[string]PeerStatus `json:"peers"`
}

// Hub owns the peer table. Every mutation happens inside Run's loop; the
// table is never handed out, so no lock guards it.
type Hub struct {
	cfg *config.Config
	bus *bus.Bus[event]

	peers       map[protocol.Role]*Peer
	handshaking map[*Peer]struct{}
	policies    map[string]protocol.DeliveryPolicy
	pending     *pendingQueue
}

func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:         cfg,
		bus:         bus.New[event](256),
		peers:       make(map[protocol.Role]*Peer),
		handshaking: make(map[*Peer]struct{}),
		policies:    cfg.TypePolicies(),
		pending:     newPendingQueue(cfg.Delivery.QueueLimit),
	}
}

// Attach adopts an upgraded websocket connection as a new peer in the
// connecting state and starts its pumps. The join event is published before
// the read pump starts so the hub always sees it ahead of the peer's first
// frame.
func (h *Hub) Attach(conn *websocket.Conn) *Peer {
	p := newPeer(conn, h.cfg.Bridge.SendBufferSize)
	h.publish(event{kind: evJoin, peer: p})
	go p.writePump()
	go p.readPump(h)
	return p
}

// Run consumes events until the context is cancelled. It is the only
// goroutine that touches hub state.
func (h *Hub) Run(ctx context.Context) {
	sweepEvery := h.cfg.LivenessTimeout() / 4
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.publish(event{kind: evTick})
			}
		}
	}()

	for {
		ev, ok := h.bus.Consume(ctx)
		if !ok {
			break
		}
		h.handle(ev)
	}

	// Shutdown: close every connection, draining any queued writes first.
	// Counterparts are going down with us, so no peer.left notices.
	for _, p := range h.peers {
		logger.InfoCF("hub", "peer disconnected", map[string]any{
			"role":    string(p.role),
			"session": p.id,
			"reason":  protocol.ReasonClosed,
		})
		p.setState(StateDisconnected)
		p.closeAfterFlush()
	}
	for p := range h.handshaking {
		p.setState(StateDisconnected)
		p.closeAfterFlush()
	}
}

// Close stops the event loop.
func (h *Hub) Close() { h.bus.Close() }

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evJoin:
		// A peer that already progressed past connecting (or was torn
		// down) must not re-enter handshake tracking.
		if ev.peer.State() == StateConnecting {
			h.handshaking[ev.peer] = struct{}{}
		}
	case evFrame:
		h.handleFrame(ev.peer, ev.frame)
	case evLeave:
		h.disconnect(ev.peer, ev.reason)
	case evTick:
		h.sweep(time.Now())
	case evSnapshot:
		ev.resp <- h.snapshot()
	}
}

func (h *Hub) handleFrame(p *Peer, f protocol.Frame) {
	if p.State() == StateDisconnected {
		return
	}
	p.touch()

	if f.Type == protocol.TypeRegister {
		h.handleRegister(p, f)
		return
	}

	// The first frame on a connection must be a registration; anything
	// else ends the connection.
	if p.State() == StateConnecting {
		FrameErrors.WithLabelValues(protocol.CodeNotRegistered).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeNotRegistered,
			"first frame must be register", f.CorrelationID))
		h.disconnect(p, protocol.ReasonError)
		return
	}

	if f.Type == protocol.TypePing {
		pong := protocol.NewFrame(protocol.TypePong, nil)
		pong.CorrelationID = f.CorrelationID
		h.sendTo(p, pong)
		return
	}

	if p.State() != StateActive {
		FrameErrors.WithLabelValues(protocol.CodeNotRegistered).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeNotRegistered,
			"sender is not active", f.CorrelationID))
		return
	}

	policy, known := h.policies[f.Type]
	if !known {
		FrameErrors.WithLabelValues(protocol.CodeInvalidMessageType).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeInvalidMessageType,
			"unknown message type "+f.Type, f.CorrelationID))
		return
	}

	target := f.TargetRole
	if target == "" {
		target = counterpart(p.role)
	}
	if target == protocol.RoleBroadcast {
		h.broadcast(p, f)
		return
	}
	if !target.Valid() || target == p.role {
		FrameErrors.WithLabelValues(protocol.CodeInvalidTarget).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeInvalidTarget,
			"invalid target role "+string(f.TargetRole), f.CorrelationID))
		return
	}

	h.route(p, f, target, policy)
}

func (h *Hub) handleRegister(p *Peer, f protocol.Frame) {
	if p.State() != StateConnecting {
		FrameErrors.WithLabelValues(protocol.CodeInvalidMessageType).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeInvalidMessageType,
			"already registered", f.CorrelationID))
		return
	}

	reg, err := f.ParseRegistration()
	if err != nil || !reg.Role.Valid() {
		FrameErrors.WithLabelValues(protocol.CodeMalformed).Inc()
		h.sendTo(p, protocol.NewError(protocol.CodeMalformed,
			"registration requires role agent or editor", f.CorrelationID))
		h.disconnect(p, protocol.ReasonError)
		return
	}

	delete(h.handshaking, p)
	p.role = reg.Role
	p.setState(StateRegistered)

	// Types declared at registration extend the known set for the whole
	// bridge. Undeclared policy means fire-and-forget.
	for _, td := range reg.Types {
		if td.Name == "" {
			continue
		}
		policy := td.Policy
		if policy == "" {
			policy = protocol.PolicyDrop
		}
		h.policies[td.Name] = policy
	}

	// Supersession is policy, not an error: the old peer gets one
	// superseded notice and is disconnected before the new peer takes
	// the role slot.
	if old := h.peers[reg.Role]; old != nil {
		Supersessions.Inc()
		h.sendTo(old, protocol.NewFrame(protocol.TypeSuperseded, map[string]any{
			"reason": protocol.ReasonSuperseded,
		}))
		h.disconnect(old, protocol.ReasonSuperseded)
	}

	h.peers[reg.Role] = p
	p.setState(StateActive)
	PeersActive.WithLabelValues(string(reg.Role)).Set(1)

	ack := protocol.NewFrame(protocol.TypeRegistered, map[string]any{
		"role":      string(reg.Role),
		"sessionId": p.id,
	})
	ack.CorrelationID = f.CorrelationID
	h.sendTo(p, ack)

	logger.InfoCF("hub", "peer registered", map[string]any{
		"role":    string(reg.Role),
		"session": p.id,
	})

	h.flushPending(p)
}

// flushPending delivers messages queued while the role was absent,
// preserving FIFO order. Entries that expired in the meantime produce the
// timeout notice instead.
func (h *Hub) flushPending(p *Peer) {
	live, expired := h.pending.flush(p.role, time.Now())
	for _, env := range expired {
		FramesDropped.WithLabelValues("timeout").Inc()
		if env.from.State() == StateActive {
			h.sendTo(env.from, protocol.NewDeliveryDropped(
				env.frame.Type, "timeout", env.frame.CorrelationID))
		}
	}
	for _, env := range live {
		h.sendTo(p, env.frame)
		FramesRouted.WithLabelValues(env.frame.Type).Inc()
	}
	QueueDepth.WithLabelValues(string(p.role)).Set(0)
}

func (h *Hub) broadcast(from *Peer, f protocol.Frame) {
	delivered := false
	for _, p := range h.peers {
		if p == from || p.State() != StateActive {
			continue
		}
		h.sendTo(p, f)
		FramesRouted.WithLabelValues(f.Type).Inc()
		delivered = true
	}
	// Broadcast is inherently fire-and-forget: no notice when nobody is
	// listening.
	if !delivered {
		FramesDropped.WithLabelValues("no_peer").Inc()
	}
}

func (h *Hub) route(from *Peer, f protocol.Frame, target protocol.Role, policy protocol.DeliveryPolicy) {
	if tp := h.peers[target]; tp != nil && tp.State() == StateActive {
		h.sendTo(tp, f)
		FramesRouted.WithLabelValues(f.Type).Inc()
		return
	}

	if policy == protocol.PolicyQueue {
		evicted, _ := h.pending.add(target, envelope{
			frame:    f,
			from:     from,
			deadline: time.Now().Add(h.cfg.QueueTimeout()),
		})
		if evicted != nil {
			FramesDropped.WithLabelValues("queue_overflow").Inc()
			if evicted.from.State() == StateActive {
				h.sendTo(evicted.from, protocol.NewDeliveryDropped(
					evicted.frame.Type, "queue_overflow", evicted.frame.CorrelationID))
			}
		}
		QueueDepth.WithLabelValues(string(target)).Set(float64(h.pending.depth(target)))
		return
	}

	FramesDropped.WithLabelValues("no_peer").Inc()
	h.sendTo(from, protocol.NewDeliveryDropped(f.Type, "no_peer", f.CorrelationID))
}

// sendTo enqueues a frame for a peer's write pump, shedding the oldest
// queued frame on overflow. One backpressure notice per congestion episode.
func (h *Hub) sendTo(p *Peer, f protocol.Frame) {
	shed := p.enqueue(f)
	if shed {
		FramesDropped.WithLabelValues("backpressure").Inc()
		if !p.congested {
			p.congested = true
			p.enqueue(protocol.NewFrame(protocol.TypeBackpressure, map[string]any{
				"message": "send queue overflowed, oldest frames dropped",
			}))
		}
		return
	}
	if p.congested && p.drained() {
		p.congested = false
	}
}

// disconnect finalizes a peer. Idempotent; notifies the counterpart when an
// active peer departs.
func (h *Hub) disconnect(p *Peer, reason string) {
	if p.State() == StateDisconnected {
		return
	}
	wasActive := p.State() == StateActive
	p.setState(StateDisconnected)
	delete(h.handshaking, p)

	if p.role != "" && h.peers[p.role] == p {
		delete(h.peers, p.role)
		PeersActive.WithLabelValues(string(p.role)).Set(0)
	}

	if wasActive {
		if other := h.peers[counterpart(p.role)]; other != nil && other.State() == StateActive {
			h.sendTo(other, protocol.NewPeerLeft(p.role, reason))
		}
	}

	logger.InfoCF("hub", "peer disconnected", map[string]any{
		"role":    string(p.role),
		"session": p.id,
		"reason":  reason,
	})

	p.closeAfterFlush()
}

// sweep enforces liveness and queue deadlines.
func (h *Hub) sweep(now time.Time) {
	cutoff := now.Add(-h.cfg.LivenessTimeout())

	var silent []*Peer
	for _, p := range h.peers {
		if p.LastSeen().Before(cutoff) {
			silent = append(silent, p)
		}
	}
	for p := range h.handshaking {
		if p.LastSeen().Before(cutoff) {
			silent = append(silent, p)
		}
	}
	for _, p := range silent {
		logger.WarnCF("hub", "liveness timeout", map[string]any{
			"role":    string(p.role),
			"session": p.id,
		})
		h.disconnect(p, protocol.ReasonTimeout)
	}

	for _, env := range h.pending.expire(now) {
		FramesDropped.WithLabelValues("timeout").Inc()
		if env.from.State() == StateActive {
			h.sendTo(env.from, protocol.NewDeliveryDropped(
				env.frame.Type, "timeout", env.frame.CorrelationID))
		}
	}
	for _, role := range []protocol.Role{protocol.RoleAgent, protocol.RoleEditor} {
		QueueDepth.WithLabelValues(string(role)).Set(float64(h.pending.depth(role)))
	}
}

func (h *Hub) snapshot() Snapshot {
	s := Snapshot{Peers: make(map[string]PeerStatus)}
	for role, p := range h.peers {
		s.Peers[string(role)] = PeerStatus{
			SessionID:  p.id,
			State:      p.State().String(),
			LastSeen:   p.LastSeen(),
			QueueDepth: h.pending.depth(role),
		}
	}
	for _, role := range []protocol.Role{protocol.RoleAgent, protocol.RoleEditor} {
		if _, ok := s.Peers[string(role)]; !ok {
			s.Peers[string(role)] = PeerStatus{
				State:      StateDisconnected.String(),
				QueueDepth: h.pending.depth(role),
			}
		}
	}
	return s
}

// Snapshot asks the run loop for the current table state.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	if err := h.bus.Publish(ctx, event{kind: evSnapshot, resp: resp}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func counterpart(r protocol.Role) protocol.Role {
	if r == protocol.RoleAgent {
		return protocol.RoleEditor
	}
	return protocol.RoleAgent
}
