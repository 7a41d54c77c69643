package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/controlmyspa-bridge/internal/bridge"
	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/config"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// fakeSpa implements SpaSource.
type fakeSpa struct {
	mu         sync.Mutex
	snap       spa.Snapshot
	ok         bool
	refreshErr error
	refreshes  int
}

func (f *fakeSpa) Current() (spa.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.ok
}

func (f *fakeSpa) Refresh(context.Context) (spa.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return spa.Snapshot{}, f.refreshErr
	}
	f.snap.Version++
	return f.snap, nil
}

func (f *fakeSpa) Stats() engine.Stats {
	return engine.Stats{Dispatched: 4, Confirmed: 2, Refreshes: 7}
}

// fakeBridge implements Controller.
type fakeBridge struct {
	mu       sync.Mutex
	mapper   *entity.Mapper
	outcome  engine.Outcome
	commands []string
}

func (f *fakeBridge) Command(_ context.Context, key entity.Key, raw string) engine.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, key.String()+"="+raw)
	out := f.outcome
	out.Key = key
	out.Entity = key.String()
	out.Value = raw
	return out
}

func (f *fakeBridge) Mapper() *entity.Mapper { return f.mapper }

func (f *fakeBridge) Health() (bridge.HealthStatus, string) {
	return bridge.HealthDegraded, "no snapshot"
}

func (f *fakeBridge) GetMetrics() bridge.BridgeMetrics {
	return bridge.BridgeMetrics{MQTTConnected: true, Published: 12}
}

func (f *fakeBridge) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func ptr(f float64) *float64 { return &f }

func testSnapshot() spa.Snapshot {
	return spa.Snapshot{
		Version:     3,
		FetchedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SpaID:       "spa1",
		CurrentTemp: ptr(100),
		DesiredTemp: ptr(102),
		HeaterMode:  spa.HeaterRest,
		TempRange:   spa.RangeHigh,
		RangeLimits: spa.RangeLimits{HighRangeLow: 80, HighRangeHigh: 104},
		Online:      true,
		Components: []spa.Component{
			{Type: spa.Light, Port: 0, Value: spa.ValueOff},
			{Type: spa.Heater, Port: 0, Value: spa.ValueOff, Synthesized: true},
			{Type: spa.Heater, Port: 1, Value: spa.ValueOff, Synthesized: true},
		},
	}
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/api/v1/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer creates a Server with a ready snapshot.
func testServer(t *testing.T) (*Server, *fakeSpa, *fakeBridge) {
	t.Helper()

	mapper, err := entity.NewMapper(entity.MapperOptions{SpaID: "spa1"})
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	src := &fakeSpa{snap: testSnapshot(), ok: true}
	br := &fakeBridge{mapper: mapper, outcome: engine.Outcome{CommandID: "cmd-1", State: engine.StateConfirmed}}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Spa:     src,
		Bridge:  br,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, src, br
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func TestNew_Validation(t *testing.T) {
	src := &fakeSpa{}
	br := &fakeBridge{}
	if _, err := New(Deps{Spa: src, Bridge: br}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Deps{Logger: testLogger(), Bridge: br}); err == nil {
		t.Error("expected error without spa source")
	}
	if _, err := New(Deps{Logger: testLogger(), Spa: src}); err == nil {
		t.Error("expected error without bridge")
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "degraded" || resp.Reason != "no snapshot" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/health", "")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/spa", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://panel.local"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q for disallowed origin", got)
	}
}

func TestRecovery(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	srv, _, br := testServer(t)
	body := `{"value":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	w := do(t, srv, http.MethodPut, "/api/v1/entities/light/0", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(br.sent()) != 0 {
		t.Error("oversized body reached the bridge")
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDashboard(t *testing.T) {
	srv, _, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<!DOCTYPE html>") {
		t.Error("GET / did not serve the dashboard")
	}
	if w := do(t, srv, http.MethodGet, "/app.js", ""); w.Code != http.StatusOK {
		t.Errorf("GET /app.js status = %d, want 200", w.Code)
	}
}

// ─── Spa Tests ─────────────────────────────────────────────────────

func TestGetSpa(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/spa", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp SpaResponse
	decode(t, w, &resp)
	if resp.Version != 3 || resp.State.SpaID != "spa1" || resp.State.HeaterMode != spa.HeaterRest {
		t.Errorf("spa = %+v", resp)
	}
	if resp.State.MaxTemp == nil || *resp.State.MaxTemp != 104 {
		t.Errorf("maxTemp = %v, want 104", resp.State.MaxTemp)
	}
}

func TestGetSpa_NoSnapshot(t *testing.T) {
	srv, src, _ := testServer(t)
	src.ok = false

	w := do(t, srv, http.MethodGet, "/api/v1/spa", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != ErrCodeUnavailable {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestRefresh(t *testing.T) {
	srv, src, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/spa/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp SpaResponse
	decode(t, w, &resp)
	if resp.Version != 4 || src.refreshes != 1 {
		t.Errorf("version = %d, refreshes = %d", resp.Version, src.refreshes)
	}
}

func TestRefresh_Failure(t *testing.T) {
	srv, src, _ := testServer(t)
	src.refreshErr = fmt.Errorf("%w: HTTP 500", engine.ErrTransport)

	w := do(t, srv, http.MethodPost, "/api/v1/spa/refresh", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != ErrCodeUpstream || !strings.Contains(resp.Message, "HTTP 500") {
		t.Errorf("error = %+v", resp)
	}
}

func TestListEntities(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/entities", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Entities []entity.Descriptor `json:"entities"`
		Count    int                 `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != len(resp.Entities) || resp.Count == 0 {
		t.Fatalf("count = %d, entities = %d", resp.Count, len(resp.Entities))
	}
	found := map[string]bool{}
	for _, d := range resp.Entities {
		found[d.Entity] = true
	}
	for _, want := range []string{"light/0", "heater/1", "heaterMode", "desiredTemp"} {
		if !found[want] {
			t.Errorf("entity %s missing", want)
		}
	}
}

func TestListEntities_BeforeStart(t *testing.T) {
	srv, _, br := testServer(t)
	br.mapper = nil

	w := do(t, srv, http.MethodGet, "/api/v1/entities", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Command Tests ─────────────────────────────────────────────────

func TestCommand_Routes(t *testing.T) {
	srv, _, br := testServer(t)

	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/entities/light/0", "light/0=HIGH"},
		{"/api/v1/entities/heaterMode", "heaterMode=HIGH"},
		{"/api/v1/entities/circulation_pump", "circulation_pump=HIGH"},
	}
	for _, tt := range tests {
		w := do(t, srv, http.MethodPut, tt.path, `{"value":"HIGH"}`)
		if w.Code != http.StatusOK {
			t.Errorf("PUT %s status = %d, want 200", tt.path, w.Code)
		}
	}

	sent := br.sent()
	if len(sent) != len(tests) {
		t.Fatalf("sent = %v", sent)
	}
	for i, tt := range tests {
		if sent[i] != tt.want {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], tt.want)
		}
	}
}

func TestCommand_Response(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodPut, "/api/v1/entities/light/0", `{"value":"HIGH"}`)

	var resp map[string]any
	decode(t, w, &resp)
	if resp["command_id"] != "cmd-1" || resp["entity"] != "light/0" || resp["status"] != "confirmed" {
		t.Errorf("response = %v", resp)
	}
	if _, ok := resp["error"]; ok {
		t.Error("confirmed outcome carries an error")
	}
}

func TestCommand_BadRequests(t *testing.T) {
	srv, _, br := testServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown entity", "/api/v1/entities/jacuzzi/0", `{"value":"HIGH"}`, http.StatusNotFound},
		{"missing port", "/api/v1/entities/light", `{"value":"HIGH"}`, http.StatusNotFound},
		{"invalid json", "/api/v1/entities/light/0", `{`, http.StatusBadRequest},
		{"empty value", "/api/v1/entities/light/0", `{"value":""}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPut, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if len(br.sent()) != 0 {
		t.Errorf("bad requests reached the bridge: %v", br.sent())
	}
}

func TestCommandStatus(t *testing.T) {
	tests := []struct {
		name string
		out  engine.Outcome
		want int
	}{
		{"confirmed", engine.Outcome{State: engine.StateConfirmed}, http.StatusOK},
		{"pending", engine.Outcome{State: engine.StatePending}, http.StatusAccepted},
		{"invalid", engine.Outcome{State: engine.StateRejected, Err: engine.ErrInvalidValue}, http.StatusBadRequest},
		{"not ready", engine.Outcome{State: engine.StateRejected, Err: engine.ErrNotReady}, http.StatusServiceUnavailable},
		{"transport", engine.Outcome{State: engine.StateRejected, Err: fmt.Errorf("%w: timeout", engine.ErrTransport)}, http.StatusBadGateway},
		{"credential", engine.Outcome{State: engine.StateRejected, Err: engine.ErrCredentialInvalid}, http.StatusBadGateway},
		{"mismatch", engine.Outcome{State: engine.StateReported, Err: engine.ErrReconciliationMismatch}, http.StatusConflict},
		{"stopped", engine.Outcome{State: engine.StateReported, Err: engine.ErrStopped}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandStatus(tt.out); got != tt.want {
				t.Errorf("commandStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCommand_RejectedCarriesError(t *testing.T) {
	srv, _, br := testServer(t)
	br.outcome = engine.Outcome{CommandID: "cmd-2", State: engine.StateRejected, Err: errors.Join(engine.ErrInvalidValue, errors.New("PURPLE not allowed"))}

	w := do(t, srv, http.MethodPut, "/api/v1/entities/light/0", `{"value":"PURPLE"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "PURPLE not allowed") {
		t.Errorf("error = %v", resp["error"])
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	srv, _, _ := testServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp MetricsResponse
	decode(t, w, &resp)
	if resp.Version != "test" || resp.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", resp)
	}
	if !resp.Snapshot.Present || resp.Snapshot.Version != 3 || !resp.Snapshot.Online || resp.Snapshot.AgeSeconds <= 0 {
		t.Errorf("snapshot = %+v", resp.Snapshot)
	}
	if resp.Engine.Dispatched != 4 || resp.Engine.Refreshes != 7 {
		t.Errorf("engine = %+v", resp.Engine)
	}
	if !resp.Bridge.MQTTConnected || resp.Bridge.Published != 12 {
		t.Errorf("bridge = %+v", resp.Bridge)
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelStateChanged: {}},
	}
	hub.Register(client)

	hub.SnapshotChanged(testSnapshot())

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent || wsMsg.EventType != ChannelStateChanged {
			t.Errorf("message = %+v", wsMsg)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelCommandResolved: {}},
	}
	hub.Register(client)

	hub.SnapshotChanged(testSnapshot())

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestHub_ReplaysStateOnSubscribe(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	hub.SnapshotChanged(testSnapshot())

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	client.subscribe(wsRequest{ID: "s1", Payload: json.RawMessage(`{"channels":["spa.state_changed"]}`)})

	var got []WSMessage
	for len(got) < 2 {
		select {
		case data := <-client.send:
			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatal(err)
			}
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatalf("received %d messages, want 2", len(got))
		}
	}
	if got[0].Type != WSTypeResponse || got[1].EventType != ChannelStateChanged {
		t.Errorf("messages = %+v", got)
	}
}

func TestWSClient_RejectsUnknownChannel(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	client.subscribe(wsRequest{ID: "s1", Payload: json.RawMessage(`{"channels":["spa.state_changed","device.state_changed"]}`)})

	var msg WSMessage
	if err := json.Unmarshal(<-client.send, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
	if client.isSubscribed(ChannelStateChanged) {
		t.Error("partial subscription applied")
	}
}

func TestWSClient_SendAfterClose(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 1), subscriptions: make(map[string]struct{})}
	client.closeSend()
	client.closeSend()
	if client.trySend([]byte("x")) {
		t.Error("trySend succeeded on closed client")
	}
}

func TestHub_ImplementsObserver(t *testing.T) {
	var _ bridge.Observer = (*Hub)(nil)
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_Protocol(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	sub := WSMessage{Type: WSTypeSubscribe, ID: "s1", Payload: WSSubscribePayload{Channels: []string{ChannelCommandResolved}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse || msg.ID != "s1" {
		t.Errorf("subscribe reply = %+v", msg)
	}

	srv.Hub().CommandResolved(engine.Outcome{
		CommandID: "cmd-9",
		Entity:    "light/0",
		Value:     "HIGH",
		State:     engine.StateReported,
		Err:       engine.ErrReconciliationMismatch,
	})

	event := readWS(t, conn)
	if event.Type != WSTypeEvent || event.EventType != ChannelCommandResolved {
		t.Fatalf("event = %+v", event)
	}
	payload, _ := event.Payload.(map[string]any)
	if payload["command_id"] != "cmd-9" || payload["status"] != "reported" || payload["error"] == nil {
		t.Errorf("payload = %v", payload)
	}

	if err := conn.WriteJSON(WSMessage{Type: "dance", ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("unknown type reply = %+v", msg)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
