package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/goose-companion/internal/activity"
	"github.com/ent0n29/goose-companion/internal/config"
	"github.com/ent0n29/goose-companion/internal/observability"
	"github.com/ent0n29/goose-companion/internal/protocol"
	"github.com/ent0n29/goose-companion/internal/session"
	"github.com/ent0n29/goose-companion/internal/transcript"
)

type fakeSessions struct {
	list        []session.Session
	refreshedAt time.Time
}

func (f *fakeSessions) List() []session.Session { return f.list }
func (f *fakeSessions) Count() int              { return len(f.list) }
func (f *fakeSessions) RefreshedAt() time.Time  { return f.refreshedAt }

func (f *fakeSessions) Get(id string) (session.Session, error) {
	for _, s := range f.list {
		if s.ID == id {
			return s, nil
		}
	}
	return session.Session{}, session.ErrNotFound
}

type fakeClassifier struct {
	mu     sync.Mutex
	probes []bool
	status activity.Status
}

func (f *fakeClassifier) Classify(_ context.Context, _ session.Session, allow bool) activity.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, allow)
	return f.status
}

func (f *fakeClassifier) ClassifyAll(ctx context.Context, sessions []session.Session, allow bool) []activity.Status {
	out := make([]activity.Status, len(sessions))
	for i, s := range sessions {
		out[i] = f.Classify(ctx, s, allow)
	}
	return out
}

func (f *fakeClassifier) EstimateAll(sessions []session.Session) []activity.Status {
	out := make([]activity.Status, len(sessions))
	for i, s := range sessions {
		out[i] = f.Classify(context.Background(), s, false)
	}
	return out
}

func (f *fakeClassifier) lastProbe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[len(f.probes)-1]
}

// echoRunner answers every voice_control with a voice_state naming the action.
type echoRunner struct{}

func (echoRunner) RunConnection(ctx context.Context, _ string, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if m, ok := msg.(protocol.VoiceControl); ok {
				outbound <- protocol.VoiceState{Type: protocol.TypeVoiceState, State: "listening", Reason: m.Action}
			}
		}
	}
}

type testEnv struct {
	ts         *httptest.Server
	sessions   *fakeSessions
	classifier *fakeClassifier
	store      *transcript.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	env := &testEnv{
		sessions: &fakeSessions{list: []session.Session{
			{ID: "a", UpdatedAt: "2026-10-17T10:00:00Z", MessageCount: 3},
			{ID: "b", UpdatedAt: "2026-10-17T09:00:00Z"},
		}},
		classifier: &fakeClassifier{status: activity.StatusIdle},
		store:      transcript.NewInMemoryStore(),
	}
	cfg := config.Config{
		GooseBaseURL:           "http://127.0.0.1:3000",
		SessionRefreshInterval: 15 * time.Second,
		VoiceStopWords:         []string{"stop"},
	}
	srv := New(cfg, Deps{
		Sessions:       env.sessions,
		Classifier:     env.classifier,
		Transcripts:    env.store,
		TranscriptMode: "memory",
		Voice:          echoRunner{},
		Metrics:        metrics,
		MetricsHandler: observability.HandlerFor(reg),
	})
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("GET %s status = %d, want %d (%s)", url, res.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)
	getJSON(t, env.ts.URL+"/healthz", http.StatusOK, nil)
	getJSON(t, env.ts.URL+"/readyz", http.StatusServiceUnavailable, nil)

	env.sessions.refreshedAt = time.Now()
	var ready map[string]any
	getJSON(t, env.ts.URL+"/readyz", http.StatusOK, &ready)
	if ready["session_count"] != float64(2) {
		t.Fatalf("session_count = %v, want 2", ready["session_count"])
	}
}

func TestListSessionsClassifiesWithoutProbeByDefault(t *testing.T) {
	env := newTestEnv(t)
	var body sessionListResponse
	getJSON(t, env.ts.URL+"/v1/sessions", http.StatusOK, &body)
	if len(body.Sessions) != 2 || body.Sessions[0].ID != "a" || body.Sessions[0].Status != activity.StatusIdle {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	if env.classifier.lastProbe() {
		t.Fatalf("list probed by default")
	}

	getJSON(t, env.ts.URL+"/v1/sessions?probe=true", http.StatusOK, &body)
	if !env.classifier.lastProbe() {
		t.Fatalf("probe=true not passed through")
	}
	getJSON(t, env.ts.URL+"/v1/sessions?probe=maybe", http.StatusBadRequest, nil)
}

func TestSessionStatus(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.status = activity.StatusActive

	var view sessionView
	getJSON(t, env.ts.URL+"/v1/sessions/a/status", http.StatusOK, &view)
	if view.ID != "a" || view.Status != activity.StatusActive || view.MessageCount != 3 {
		t.Fatalf("view = %+v", view)
	}
	if !env.classifier.lastProbe() {
		t.Fatalf("single status should probe by default")
	}
	getJSON(t, env.ts.URL+"/v1/sessions/missing/status", http.StatusNotFound, nil)
}

func TestTranscriptEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, text := range []string{"run the tests", "All tests pass.", "thanks"} {
		_ = env.store.SaveTurn(ctx, transcript.TurnRecord{SessionID: "a", Role: transcript.RoleUser, Content: text, CreatedAt: time.Unix(int64(i), 0)})
	}

	var body transcriptResponse
	getJSON(t, env.ts.URL+"/v1/sessions/a/transcript?limit=2", http.StatusOK, &body)
	if len(body.Turns) != 2 || body.Turns[0].Content != "All tests pass." || body.Turns[1].Content != "thanks" {
		t.Fatalf("turns = %+v", body.Turns)
	}

	getJSON(t, env.ts.URL+"/v1/sessions/b/transcript", http.StatusOK, &body)
	if body.Turns == nil || len(body.Turns) != 0 {
		t.Fatalf("turns = %#v, want empty list", body.Turns)
	}
	getJSON(t, env.ts.URL+"/v1/sessions/a/transcript?limit=0", http.StatusBadRequest, nil)
}

func TestOnboardingStatusFlagsMissingGoose(t *testing.T) {
	env := newTestEnv(t)
	var body onboardingStatusResponse
	getJSON(t, env.ts.URL+"/v1/onboarding/status", http.StatusOK, &body)

	byID := map[string]onboardingCheck{}
	for _, c := range body.Checks {
		byID[c.ID] = c
	}
	if byID["goose_server"].Status != "error" {
		t.Fatalf("goose_server = %+v, want error", byID["goose_server"])
	}
	if byID["transcript_store"].Status != "warn" {
		t.Fatalf("transcript_store = %+v, want warn", byID["transcript_store"])
	}

	env.sessions.refreshedAt = time.Now()
	getJSON(t, env.ts.URL+"/v1/onboarding/status", http.StatusOK, &body)
	for _, c := range body.Checks {
		if c.ID == "goose_server" && c.Status != "ok" {
			t.Fatalf("goose_server = %+v, want ok", c)
		}
	}
}

func TestPerfLatencyAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	var snap observability.LatencySnapshot
	getJSON(t, env.ts.URL+"/v1/perf/latency", http.StatusOK, &snap)

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", res.StatusCode)
	}
}

func dialVoice(t *testing.T, env *testEnv, sessionID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/voice/ws?session_id=" + sessionID
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestVoiceWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := dialVoice(t, env, "a")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"voice_control","action":"Enable"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var state protocol.VoiceState
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if state.Type != protocol.TypeVoiceState || state.Reason != protocol.ActionEnable {
		t.Fatalf("state = %+v", state)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}
}

func TestVoiceWebSocketRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, res, err := dialVoice(t, env, "missing")
	if err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %+v, want 404", res)
	}

	getJSON(t, env.ts.URL+"/v1/voice/ws", http.StatusBadRequest, nil)
}

type countingSource struct {
	opens atomic.Int32
}

func (s *countingSource) Open(_ context.Context, _ string, _ []json.RawMessage) (session.EventStream, error) {
	s.opens.Add(1)
	return nil, errors.New("unreachable")
}

func TestListSessionsDefaultOpensNoStreams(t *testing.T) {
	src := &countingSource{}
	classifier := activity.NewClassifier(src, activity.DefaultConfig(), nil)
	old := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	sessions := &fakeSessions{}
	for i := 0; i < 12; i++ {
		sessions.list = append(sessions.list, session.Session{ID: fmt.Sprintf("s%d", i), UpdatedAt: old})
	}
	ts := httptest.NewServer(New(config.Config{}, Deps{
		Sessions:       sessions,
		Classifier:     classifier,
		MetricsHandler: http.NotFoundHandler(),
	}).Router())
	defer ts.Close()

	var body sessionListResponse
	getJSON(t, ts.URL+"/v1/sessions", http.StatusOK, &body)
	if n := src.opens.Load(); n != 0 {
		t.Fatalf("opens = %d, want 0", n)
	}
	if len(body.Sessions) != 12 || body.Sessions[0].Status != activity.StatusIdle {
		t.Fatalf("sessions = %+v", body.Sessions)
	}

	getJSON(t, ts.URL+"/v1/sessions?probe=true", http.StatusOK, &body)
	if n := src.opens.Load(); n != 12 {
		t.Fatalf("opens with probe=true = %d, want 12", n)
	}
}
