package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/deskbridge/pkg/client"
	"github.com/tinyland-inc/deskbridge/pkg/config"
	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func startBridge(t *testing.T, mutate func(*config.Config)) (wsURL, httpURL string) {
	t.Helper()
	srv := NewServer(testConfig(mutate))
	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.hub.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", ts.URL
}

func dialRole(t *testing.T, wsURL string, role protocol.Role, types ...protocol.TypeDecl) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Register(ctx, role, types...); err != nil {
		t.Fatalf("register %s: %v", role, err)
	}
	return c
}

func nextFrame(t *testing.T, c *client.Client, timeout time.Duration) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	f, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for frame: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, c *client.Client, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	if f, err := c.Next(ctx); err == nil {
		t.Fatalf("expected silence, got frame %q payload %v", f.Type, f.Payload)
	}
}

func TestRegisterAssignsSession(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	c := dialRole(t, wsURL, protocol.RoleAgent)
	if c.SessionID() == "" {
		t.Error("expected a session id after registration")
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	agent := dialRole(t, wsURL, protocol.RoleAgent)

	const n = 20
	for i := 0; i < n; i++ {
		f := protocol.NewFrame(protocol.TypeFileOpen, map[string]any{"seq": i})
		f.TargetRole = protocol.RoleEditor
		if err := agent.Send(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		f := nextFrame(t, editor, 3*time.Second)
		if f.Type != protocol.TypeFileOpen {
			t.Fatalf("frame %d: unexpected type %q", i, f.Type)
		}
		// JSON numbers decode as float64.
		if int(f.Payload["seq"].(float64)) != i {
			t.Fatalf("frame %d delivered out of order: %v", i, f.Payload)
		}
	}
}

func TestDefaultTargetIsCounterpart(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	agent := dialRole(t, wsURL, protocol.RoleAgent)

	if err := agent.Send(protocol.NewFrame(protocol.TypeStatusUpdate, map[string]any{"state": "busy"})); err != nil {
		t.Fatalf("send: %v", err)
	}

	f := nextFrame(t, editor, 3*time.Second)
	if f.Type != protocol.TypeStatusUpdate {
		t.Errorf("expected status.update, got %q", f.Type)
	}
}

func TestSupersession(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent)
	first := dialRole(t, wsURL, protocol.RoleEditor)
	second := dialRole(t, wsURL, protocol.RoleEditor)

	// The displaced editor gets exactly one superseded notice.
	f := nextFrame(t, first, 3*time.Second)
	if f.Type != protocol.TypeSuperseded {
		t.Fatalf("expected superseded, got %q", f.Type)
	}

	// Its connection then closes; no second notice arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if extra, err := first.Next(ctx); err == nil && extra.Type == protocol.TypeSuperseded {
		t.Fatal("received a second superseded notice")
	}

	// The counterpart sees the old editor leave with reason superseded.
	left := nextFrame(t, agent, 3*time.Second)
	if left.Type != protocol.TypePeerLeft {
		t.Fatalf("expected peer.left, got %q", left.Type)
	}
	if left.Payload["role"] != string(protocol.RoleEditor) || left.Payload["reason"] != protocol.ReasonSuperseded {
		t.Errorf("unexpected peer.left payload: %v", left.Payload)
	}

	// The replacement editor holds the role: traffic flows to it.
	msg := protocol.NewFrame(protocol.TypeFileOpen, map[string]any{"path": "/b.ts"})
	msg.TargetRole = protocol.RoleEditor
	if err := agent.Send(msg); err != nil {
		t.Fatalf("send after supersession: %v", err)
	}
	got := nextFrame(t, second, 3*time.Second)
	if got.Payload["path"] != "/b.ts" {
		t.Errorf("replacement editor did not receive the message: %v", got.Payload)
	}
}

func TestQueueFlushOnActivation(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent)

	for i := 0; i < 3; i++ {
		f := protocol.NewFrame(protocol.TypeFileOpen, map[string]any{"seq": i})
		f.TargetRole = protocol.RoleEditor
		if err := agent.Send(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	for i := 0; i < 3; i++ {
		f := nextFrame(t, editor, 3*time.Second)
		if int(f.Payload["seq"].(float64)) != i {
			t.Fatalf("queued frame %d out of order: %v", i, f.Payload)
		}
	}
	expectNoFrame(t, editor, 300*time.Millisecond)
}

func TestQueueTimeoutDropsExactlyOnce(t *testing.T) {
	wsURL, _ := startBridge(t, func(cfg *config.Config) {
		cfg.Delivery.QueueTimeoutSeconds = 1
		// Sweep runs at a quarter of the liveness window.
		cfg.Bridge.LivenessTimeoutSeconds = 4
	})

	agent := dialRole(t, wsURL, protocol.RoleAgent)

	f := protocol.NewFrame(protocol.TypeFileOpen, map[string]any{"path": "/a.ts"})
	f.TargetRole = protocol.RoleEditor
	f.CorrelationID = "open-1"
	if err := agent.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	dropped := nextFrame(t, agent, 5*time.Second)
	if dropped.Type != protocol.TypeDeliveryDropped {
		t.Fatalf("expected delivery.dropped, got %q", dropped.Type)
	}
	if dropped.Payload["reason"] != "timeout" || dropped.CorrelationID != "open-1" {
		t.Errorf("unexpected drop notice: %v corr=%q", dropped.Payload, dropped.CorrelationID)
	}

	// Never both, never twice: a late editor gets nothing, the sender no
	// second notice.
	editor := dialRole(t, wsURL, protocol.RoleEditor)
	expectNoFrame(t, editor, 500*time.Millisecond)
	expectNoFrame(t, agent, 500*time.Millisecond)
}

func TestDropPolicyNotifiesImmediately(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent)

	f := protocol.NewFrame(protocol.TypeLearningSync, map[string]any{"patterns": 3})
	f.TargetRole = protocol.RoleEditor
	if err := agent.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	dropped := nextFrame(t, agent, 2*time.Second)
	if dropped.Type != protocol.TypeDeliveryDropped {
		t.Fatalf("expected delivery.dropped, got %q", dropped.Type)
	}
	if dropped.Payload["reason"] != "no_peer" {
		t.Errorf("expected reason no_peer, got %v", dropped.Payload["reason"])
	}
}

func TestDeclaredTypeQueues(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent,
		protocol.TypeDecl{Name: "refactor.request", Policy: protocol.PolicyQueue})

	f := protocol.NewFrame("refactor.request", map[string]any{"symbol": "Hub"})
	f.TargetRole = protocol.RoleEditor
	if err := agent.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	got := nextFrame(t, editor, 3*time.Second)
	if got.Type != "refactor.request" {
		t.Errorf("declared type not relayed: %q", got.Type)
	}
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent)

	if err := agent.Send(protocol.NewFrame("bogus.type", nil)); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := nextFrame(t, agent, 2*time.Second)
	if errFrame.Type != protocol.TypeError {
		t.Fatalf("expected error frame, got %q", errFrame.Type)
	}
	if errFrame.Payload["code"] != protocol.CodeInvalidMessageType {
		t.Errorf("expected %s, got %v", protocol.CodeInvalidMessageType, errFrame.Payload["code"])
	}

	// Rejection is message-local; the connection still works.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := agent.Ping(ctx); err != nil {
		t.Errorf("connection should survive an unknown type: %v", err)
	}
}

func TestFirstFrameMustRegister(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Send(protocol.NewFrame(protocol.TypeFileOpen, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}

	f, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("expected an error frame before close: %v", err)
	}
	if f.Type != protocol.TypeError || f.Payload["code"] != protocol.CodeNotRegistered {
		t.Errorf("unexpected frame: %q %v", f.Type, f.Payload)
	}

	// The connection is then closed by the server.
	if _, err := c.Next(ctx); err == nil {
		t.Error("expected the connection to close after the violation")
	}
}

func TestSelfTargetRejected(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	agent := dialRole(t, wsURL, protocol.RoleAgent)

	f := protocol.NewFrame(protocol.TypeStatusUpdate, nil)
	f.TargetRole = protocol.RoleAgent
	if err := agent.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := nextFrame(t, agent, 2*time.Second)
	if errFrame.Payload["code"] != protocol.CodeInvalidTarget {
		t.Errorf("expected %s, got %v", protocol.CodeInvalidTarget, errFrame.Payload)
	}
}

func TestBroadcast(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	agent := dialRole(t, wsURL, protocol.RoleAgent)

	f := protocol.NewFrame(protocol.TypeStatusUpdate, map[string]any{"state": "idle"})
	f.TargetRole = protocol.RoleBroadcast
	if err := agent.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := nextFrame(t, editor, 3*time.Second)
	if got.Type != protocol.TypeStatusUpdate {
		t.Errorf("expected broadcast delivery, got %q", got.Type)
	}
	// The sender never hears its own broadcast.
	expectNoFrame(t, agent, 300*time.Millisecond)
}

func TestMalformedInputIsolated(t *testing.T) {
	wsURL, _ := startBridge(t, nil)

	editor := dialRole(t, wsURL, protocol.RoleEditor)

	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	defer raw.Close()

	if err := raw.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The offending connection closes (possibly after a malformed notice).
	raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	closed := false
	for i := 0; i < 3; i++ {
		if _, _, err := raw.ReadMessage(); err != nil {
			closed = true
			break
		}
	}
	if !closed {
		t.Error("expected the malformed connection to be closed")
	}

	// Other connections are unaffected.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := editor.Ping(ctx); err != nil {
		t.Errorf("healthy connection affected by another peer's garbage: %v", err)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	wsURL, _ := startBridge(t, func(cfg *config.Config) {
		cfg.Bridge.LivenessTimeoutSeconds = 1
	})

	editor := dialRole(t, wsURL, protocol.RoleEditor)
	agent := dialRole(t, wsURL, protocol.RoleAgent)

	// The agent stays lively; the editor goes silent.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				agent.Ping(ctx)
				cancel()
			}
		}
	}()

	left := nextFrame(t, agent, 5*time.Second)
	if left.Type != protocol.TypePeerLeft {
		t.Fatalf("expected peer.left, got %q", left.Type)
	}
	if left.Payload["role"] != string(protocol.RoleEditor) || left.Payload["reason"] != protocol.ReasonTimeout {
		t.Errorf("unexpected peer.left payload: %v", left.Payload)
	}

	// The silent editor's connection is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := editor.Next(ctx); err == nil {
		t.Error("expected the silent editor to be disconnected")
	}
}

func TestJoinAfterRegistrationIsNotTracked(t *testing.T) {
	h := NewHub(testConfig(nil))

	p := newPeer(nil, 4)
	h.handle(event{kind: evJoin, peer: p})
	if _, ok := h.handshaking[p]; !ok {
		t.Fatal("connecting peer should be handshake-tracked")
	}
	delete(h.handshaking, p)

	// A join event observed after the peer already registered must not
	// re-enter it into handshake tracking, where the sweep would visit a
	// live peer twice.
	p.setState(StateActive)
	h.handle(event{kind: evJoin, peer: p})
	if _, ok := h.handshaking[p]; ok {
		t.Error("registered peer re-entered handshake tracking")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	srv := NewServer(testConfig(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		srv.hub.Run(ctx)
		close(done)
	}()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dcancel()
	c, err := client.Dial(dctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Register(dctx, protocol.RoleAgent); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv.hub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after Close")
	}

	nctx, ncancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer ncancel()
	if _, err := c.Next(nctx); err == nil {
		t.Error("expected the connection to close on shutdown")
	}
}

func TestStatusEndpoint(t *testing.T) {
	wsURL, httpURL := startBridge(t, nil)

	dialRole(t, wsURL, protocol.RoleAgent)

	resp, err := http.Get(httpURL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Peers["agent"].State != "active" {
		t.Errorf("expected agent active, got %+v", snap.Peers["agent"])
	}
	if snap.Peers["editor"].State != "disconnected" {
		t.Errorf("expected editor disconnected, got %+v", snap.Peers["editor"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, httpURL := startBridge(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(httpURL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s returned %d", path, resp.StatusCode)
		}
	}
}
