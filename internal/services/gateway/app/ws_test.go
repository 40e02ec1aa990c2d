package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	chatdomain "github.com/pennyrealm/pennyrealm/internal/services/chat/domain"
	dmdomain "github.com/pennyrealm/pennyrealm/internal/services/dm/domain"
	forumdomain "github.com/pennyrealm/pennyrealm/internal/services/forum/domain"
	maildomain "github.com/pennyrealm/pennyrealm/internal/services/mail/domain"
	monitordomain "github.com/pennyrealm/pennyrealm/internal/services/monitor/domain"
	"github.com/pennyrealm/pennyrealm/internal/services/player"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage/memory"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/ratelimit"
	tradedomain "github.com/pennyrealm/pennyrealm/internal/services/trade/domain"
)

type testGateway struct {
	server   *Server
	httpSrv  *httptest.Server
	registry *moderation.Registry
	players  *memory.Store
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	registry := moderation.NewRegistry(nil)
	limiter := ratelimit.NewLimiter()
	players := memory.NewStore()
	seed := []player.Player{
		{ID: "alice", Name: "Alice", Location: "market", Pennies: 30, Inventory: map[string]int{"lantern": 1}},
		{ID: "bob", Name: "Bob", Location: "market", Pennies: 12, Inventory: map[string]int{"rope": 2}},
		{ID: "carol", Name: "Carol", Location: "docks", Pennies: 5, Inventory: map[string]int{}},
	}
	for _, record := range seed {
		if err := players.PutPlayer(context.Background(), record); err != nil {
			t.Fatalf("seed player %s: %v", record.ID, err)
		}
	}

	services := Services{
		Chat:       chatdomain.NewService(registry, limiter, nil, nil),
		DM:         dmdomain.NewService(registry, nil, nil),
		Mail:       maildomain.NewService(registry, nil, nil),
		Forum:      forumdomain.NewService(registry, nil, nil),
		Trade:      tradedomain.NewService(players, nil, nil),
		Moderation: registry,
		Monitor:    monitordomain.NewService(nil),
		Players:    players,
	}
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", SessionSecret: testSessionSecret}, services)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	httpSrv := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(httpSrv.Close)

	return &testGateway{server: server, httpSrv: httpSrv, registry: registry, players: players}
}

func (g *testGateway) dial(t *testing.T, userID, name string, moderator bool) *websocket.Conn {
	t.Helper()
	token := mintSessionToken(t, testSessionSecret, userID, name, moderator)
	conn, err := dialGatewayWS(g.httpSrv.URL, tokenCookieName+"="+token)
	if err != nil {
		t.Fatalf("dial websocket as %s: %v", userID, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	// A round trip guarantees the server side has registered the peer
	// before the test fans anything out to it.
	writeTestFrame(t, conn, map[string]any{"type": "dm.unread", "request_id": "req-ready"})
	expectFrameType(t, conn, "dm.unread.ok")
	return conn
}

func (g *testGateway) dialErr(t *testing.T, cookie string) error {
	t.Helper()
	conn, err := dialGatewayWS(g.httpSrv.URL, cookie)
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

func dialGatewayWS(httpURL, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cookie) != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Cookie", cookie)
	}
	return websocket.DialConfig(cfg)
}

func writeTestFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readTestFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(200 * time.Millisecond))
	var got wsFrame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("unexpected frame %q delivered", got.Type)
	}
	_ = conn.SetDeadline(time.Time{})
}

func expectFrameType(t *testing.T, conn *websocket.Conn, frameType string) wsFrame {
	t.Helper()
	got := readTestFrame(t, conn)
	if got.Type != frameType {
		t.Fatalf("frame type = %q, want %q (payload %s)", got.Type, frameType, string(got.Payload))
	}
	return got
}

func expectErrorCode(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	got := expectFrameType(t, conn, "error")
	if !strings.Contains(string(got.Payload), code) {
		t.Fatalf("error payload = %s, expected code %s", string(got.Payload), code)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)

	err := gateway.dialErr(t, "")
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
	if !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("dial error = %v, expected bad status", err)
	}
}

func TestWebSocketRefusesBannedUser(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	gateway.registry.Ban("bob", "conduct", 0)

	token := mintSessionToken(t, testSessionSecret, "bob", "Bob", false)
	err := gateway.dialErr(t, tokenCookieName+"="+token)
	if err == nil {
		t.Fatal("expected websocket dial error for banned user")
	}
}

func TestWebSocketUnknownFrameTypeReturnsError(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	conn := gateway.dial(t, "alice", "Alice", false)

	writeTestFrame(t, conn, map[string]any{
		"type":       "chat.unknown",
		"request_id": "req-1",
		"payload":    map[string]any{},
	})

	expectErrorCode(t, conn, "VALIDATION_FAILED")
}

func TestWebSocketChatSendBroadcastsToConnectedUsers(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)
	bob := gateway.dial(t, "bob", "Bob", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"channel": "global", "body": "good morrow"},
	})

	event := expectFrameType(t, alice, "chat.message")
	var envelope chatMessageEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		t.Fatalf("decode chat.message payload: %v", err)
	}
	if envelope.Message.Body != "good morrow" {
		t.Fatalf("message body = %q, want %q", envelope.Message.Body, "good morrow")
	}
	if envelope.Message.SenderName != "Alice" {
		t.Fatalf("sender name = %q, want %q", envelope.Message.SenderName, "Alice")
	}

	ack := expectFrameType(t, alice, "chat.send.ok")
	if ack.RequestID != "req-send-1" {
		t.Fatalf("ack request_id = %q, want %q", ack.RequestID, "req-send-1")
	}

	received := expectFrameType(t, bob, "chat.message")
	if !strings.Contains(string(received.Payload), "good morrow") {
		t.Fatalf("receiver payload = %s, expected message body", string(received.Payload))
	}
}

func TestWebSocketLocalChatScopedToLocation(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)
	bob := gateway.dial(t, "bob", "Bob", false)
	carol := gateway.dial(t, "carol", "Carol", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "chat.send",
		"request_id": "req-local-1",
		"payload":    map[string]any{"channel": "local", "body": "anyone at the market"},
	})

	expectFrameType(t, alice, "chat.message")
	expectFrameType(t, alice, "chat.send.ok")
	expectFrameType(t, bob, "chat.message")
	expectNoFrame(t, carol)
}

func TestWebSocketDMDeliveredToRecipient(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)
	bob := gateway.dial(t, "bob", "Bob", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "dm.send",
		"request_id": "req-dm-1",
		"payload":    map[string]any{"to": "bob", "body": "meet me at the docks"},
	})

	expectFrameType(t, alice, "dm.message")
	expectFrameType(t, alice, "dm.send.ok")

	received := expectFrameType(t, bob, "dm.message")
	if !strings.Contains(string(received.Payload), "meet me at the docks") {
		t.Fatalf("dm payload = %s, expected message body", string(received.Payload))
	}
}

func TestWebSocketDMBlockedSenderRejected(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)
	bob := gateway.dial(t, "bob", "Bob", false)

	writeTestFrame(t, bob, map[string]any{
		"type":       "dm.block",
		"request_id": "req-block-1",
		"payload":    map[string]any{"target": "alice"},
	})
	expectFrameType(t, bob, "dm.block.ok")

	writeTestFrame(t, alice, map[string]any{
		"type":       "dm.send",
		"request_id": "req-dm-1",
		"payload":    map[string]any{"to": "bob", "body": "hello?"},
	})
	expectErrorCode(t, alice, "BLOCKED")
}

func TestWebSocketAdminOpsRequireModerator(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "admin.muteUser",
		"request_id": "req-mute-1",
		"payload":    map[string]any{"target": "bob"},
	})

	expectErrorCode(t, alice, "UNAUTHORIZED")
	if gateway.registry.IsMuted("bob") {
		t.Fatal("mute must not apply without moderator capability")
	}
}

func TestWebSocketModeratorMutesUser(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	moderator := gateway.dial(t, "warden", "Warden", true)
	bob := gateway.dial(t, "bob", "Bob", false)

	writeTestFrame(t, moderator, map[string]any{
		"type":       "admin.muteUser",
		"request_id": "req-mute-1",
		"payload":    map[string]any{"target": "bob"},
	})
	expectFrameType(t, moderator, "admin.muteUser.ok")

	writeTestFrame(t, bob, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"channel": "global", "body": "can anyone hear me"},
	})
	expectErrorCode(t, bob, "MUTED")
}

func TestWebSocketTradeStateFansOutToBothParties(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)
	bob := gateway.dial(t, "bob", "Bob", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "trade.propose",
		"request_id": "req-trade-1",
		"payload": map[string]any{
			"to":    "bob",
			"offer": map[string]any{"items": []string{"lantern"}, "currency": 0},
		},
	})

	expectFrameType(t, alice, "trade.state")
	ack := expectFrameType(t, alice, "trade.propose.ok")
	var envelope tradeEnvelope
	if err := json.Unmarshal(ack.Payload, &envelope); err != nil {
		t.Fatalf("decode trade payload: %v", err)
	}
	if envelope.Trade.From != "alice" || envelope.Trade.To != "bob" {
		t.Fatalf("trade parties = %q -> %q, want alice -> bob", envelope.Trade.From, envelope.Trade.To)
	}

	state := expectFrameType(t, bob, "trade.state")
	if !strings.Contains(string(state.Payload), envelope.Trade.ID) {
		t.Fatalf("counterparty state payload = %s, expected trade id %s", string(state.Payload), envelope.Trade.ID)
	}
}

func TestWebSocketMailReachesOfflineRecipientMailbox(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	alice := gateway.dial(t, "alice", "Alice", false)

	writeTestFrame(t, alice, map[string]any{
		"type":       "mail.send",
		"request_id": "req-mail-1",
		"payload":    map[string]any{"to": "carol", "subject": "shipment", "body": "the crates arrived"},
	})
	expectFrameType(t, alice, "mail.send.ok")

	carol := gateway.dial(t, "carol", "Carol", false)
	writeTestFrame(t, carol, map[string]any{
		"type":       "mail.fetch",
		"request_id": "req-fetch-1",
	})
	mailbox := expectFrameType(t, carol, "mail.fetch.ok")
	if !strings.Contains(string(mailbox.Payload), "the crates arrived") {
		t.Fatalf("mailbox payload = %s, expected delivered mail", string(mailbox.Payload))
	}
}

func TestHealthzEndpointReportsHealthy(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)

	resp, err := http.Get(gateway.httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var report monitordomain.Health
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode health report: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("health report = %+v, want healthy", report)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	t.Parallel()
	gateway := newTestGateway(t)
	gateway.server.services.Monitor.RecordRequest(10 * time.Millisecond)

	resp, err := http.Get(gateway.httpSrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
