package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-czar/sportscast-live/internal/api"
	"github.com/jason-czar/sportscast-live/internal/auth"
	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/director"
	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/relay"
	"github.com/jason-czar/sportscast-live/internal/room"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []control.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg control.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

type stubPeer struct{}

func (stubPeer) Close() error { return nil }

type stubNegotiator struct{}

func (stubNegotiator) Negotiate(_ context.Context, _ string, _ relay.MediaSink, _ relay.PeerEvents) (relay.PeerHandle, string, error) {
	return stubPeer{}, "v=0\r\ns=answer\r\n", nil
}

func postJSON(t *testing.T, handlerFunc http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handlerFunc(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createSession(t *testing.T, h *api.Handler, title string) models.Session {
	t.Helper()
	rec := postJSON(t, h.Sessions, "/api/sessions", fmt.Sprintf(`{"title":%q}`, title))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session models.Session
	decodeBody(t, rec, &session)
	return session
}

func joinSource(t *testing.T, h *api.Handler, sessionID, sourceID, label, role string) models.Source {
	t.Helper()
	body := fmt.Sprintf(`{"sessionId":%q,"sourceId":%q,"label":%q,"role":%q}`, sessionID, sourceID, label, role)
	rec := postJSON(t, h.Join, "/api/join", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Source models.Source `json:"source"`
	}
	decodeBody(t, rec, &resp)
	return resp.Source
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	session := createSession(t, h, "regional qualifier")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+session.ID, nil)
	rec := httptest.NewRecorder()
	h.SessionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rec.Code)
	}
	var snapshot struct {
		Session models.Session  `json:"session"`
		Sources []models.Source `json:"sources"`
	}
	decodeBody(t, rec, &snapshot)
	if snapshot.Session.Status != models.SessionScheduled {
		t.Fatalf("new sessions start scheduled, got %s", snapshot.Session.Status)
	}

	rec = postJSON(t, h.SessionByID, "/api/sessions/"+session.ID+"/start", "{}")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var started models.Session
	decodeBody(t, rec, &started)
	if started.Status != models.SessionLive {
		t.Fatalf("expected live session, got %s", started.Status)
	}

	rec = postJSON(t, h.SessionByID, "/api/sessions/"+session.ID+"/end", "{}")
	if rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h.Join, "/api/join", fmt.Sprintf(`{"sessionId":%q,"label":"late camera"}`, session.ID))
	if rec.Code != http.StatusConflict {
		t.Fatalf("joining an ended session should conflict, got %d", rec.Code)
	}
}

func TestSessionSnapshotUnknown(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec := httptest.NewRecorder()
	h.SessionByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJoinIssuesTokenAndEnforcesIt(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	h.Tokens = auth.NewTokenManager(time.Hour)
	session := createSession(t, h, "cup final")

	rec := postJSON(t, h.Join, "/api/join", fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","label":"main camera"}`, session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var joined struct {
		Source    models.Source `json:"source"`
		Token     string        `json:"token"`
		ExpiresAt *time.Time    `json:"expiresAt"`
	}
	decodeBody(t, rec, &joined)
	if joined.Token == "" || joined.ExpiresAt == nil {
		t.Fatal("expected a join token with an expiry")
	}

	rec = postJSON(t, h.Heartbeat, "/api/heartbeat", fmt.Sprintf(`{"sourceId":"cam-1","token":%q}`, joined.Token))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat with valid token: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h.Heartbeat, "/api/heartbeat", `{"sourceId":"cam-1","token":"forged"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("heartbeat with forged token: expected 403, got %d", rec.Code)
	}

	// Tokens are bound to the source they were issued for.
	joinSource(t, h, session.ID, "cam-2", "reverse angle", "camera")
	rec = postJSON(t, h.Heartbeat, "/api/heartbeat", fmt.Sprintf(`{"sourceId":"cam-2","token":%q}`, joined.Token))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("token for another source: expected 403, got %d", rec.Code)
	}

	rec = postJSON(t, h.Leave, "/api/leave", fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","token":%q}`, session.ID, joined.Token))
	if rec.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var left struct {
		Left bool `json:"left"`
	}
	decodeBody(t, rec, &left)
	if !left.Left {
		t.Fatal("expected leave to report removal")
	}

	rec = postJSON(t, h.Heartbeat, "/api/heartbeat", fmt.Sprintf(`{"sourceId":"cam-1","token":%q}`, joined.Token))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoked token should be rejected, got %d", rec.Code)
	}
}

func TestHeartbeatUnknownSource(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	rec := postJSON(t, h.Heartbeat, "/api/heartbeat", `{"sourceId":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDisconnectReportsClearedSelection(t *testing.T) {
	store := room.NewStore()
	h := api.NewHandler(store)
	session := createSession(t, h, "night match")
	joinSource(t, h, session.ID, "cam-1", "main camera", "camera")
	if _, err := store.SetActive(session.ID, "cam-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	rec := postJSON(t, h.Disconnect, "/api/disconnect", `{"sourceId":"cam-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ClearedActive bool `json:"clearedActive"`
	}
	decodeBody(t, rec, &resp)
	if !resp.ClearedActive {
		t.Fatal("disconnecting the program source should clear the selection")
	}
}

func TestCleanupEvictsSilentSourcesWithoutRestoringSelection(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := room.NewStore(room.WithClock(func() time.Time { return clock() }))
	h := api.NewHandler(store)
	session := createSession(t, h, "marathon coverage")
	joinSource(t, h, session.ID, "cam-1", "lead bike", "camera")
	joinSource(t, h, session.ID, "cam-2", "finish line", "camera")
	if _, err := store.SetActive(session.ID, "cam-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	now = now.Add(h.EvictAfter + time.Minute)

	rec := postJSON(t, h.Cleanup, "/api/cleanup", fmt.Sprintf(`{"sessionId":%q}`, session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Evicted int `json:"evicted"`
	}
	decodeBody(t, rec, &resp)
	if resp.Evicted != 2 {
		t.Fatalf("expected both silent sources evicted, got %d", resp.Evicted)
	}

	current, ok := store.GetSession(session.ID)
	if !ok {
		t.Fatal("session should survive the sweep")
	}
	if current.ActiveSourceID != nil {
		t.Fatalf("selection should be cleared after eviction, got %v", *current.ActiveSourceID)
	}

	// Rejoining under the same identifier does not restore the old selection.
	joinSource(t, h, session.ID, "cam-1", "lead bike", "camera")
	current, _ = store.GetSession(session.ID)
	if current.ActiveSourceID != nil {
		t.Fatal("rejoin must not resurrect a cleared selection")
	}
}

func TestSelectActiveEndpoint(t *testing.T) {
	store := room.NewStore()
	h := api.NewHandler(store)
	publisher := &recordingPublisher{}
	h.Selector = director.NewSelector(store, publisher, nil)

	session := createSession(t, h, "derby day")
	joinSource(t, h, session.ID, "dir-1", "truck director", "director")
	joinSource(t, h, session.ID, "cam-1", "main camera", "camera")

	body := fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","requesterSourceId":"dir-1"}`, session.ID)
	rec := postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ActiveSourceID *string `json:"activeSourceId"`
	}
	decodeBody(t, rec, &resp)
	if resp.ActiveSourceID == nil || *resp.ActiveSourceID != "cam-1" {
		t.Fatalf("expected cam-1 selected, got %v", resp.ActiveSourceID)
	}

	body = fmt.Sprintf(`{"sessionId":%q,"sourceId":"dir-1","requesterSourceId":"cam-1"}`, session.ID)
	rec = postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("camera-initiated switch should be 403, got %d", rec.Code)
	}

	body = fmt.Sprintf(`{"sessionId":%q,"sourceId":"ghost","requesterSourceId":"dir-1"}`, session.ID)
	rec = postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("unknown target should be 409, got %d", rec.Code)
	}
}

func TestSelectActiveAcceptsStatedRequesterRole(t *testing.T) {
	store := room.NewStore()
	h := api.NewHandler(store)
	publisher := &recordingPublisher{}
	h.Selector = director.NewSelector(store, publisher, nil)

	session := createSession(t, h, "derby day")
	joinSource(t, h, session.ID, "dir-1", "truck director", "director")
	joinSource(t, h, session.ID, "cam-1", "main camera", "camera")

	body := fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","requesterSourceId":"dir-1","requesterRole":"director"}`, session.ID)
	rec := postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("stated role should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}

	// A role claim that contradicts the registration is rejected.
	body = fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","requesterSourceId":"dir-1","requesterRole":"camera"}`, session.ID)
	rec = postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("contradictory role claim should be 403, got %d", rec.Code)
	}

	body = fmt.Sprintf(`{"sessionId":%q,"sourceId":"cam-1","requesterSourceId":"dir-1","requesterRole":"producer"}`, session.ID)
	rec = postJSON(t, h.SelectActive, "/api/selectActive", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role should be 400, got %d", rec.Code)
	}
}

func TestBridgeEndpoints(t *testing.T) {
	store := room.NewStore()
	h := api.NewHandler(store)
	h.Bridge = bridge.NewCoordinator(bridge.NoopClient{})
	session := createSession(t, h, "championship")

	rec := postJSON(t, h.BridgeStart, "/api/bridge/start", `{"sessionId":"missing","destinations":["rtmp://a/live"]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", rec.Code)
	}

	body := fmt.Sprintf(`{"sessionId":%q,"destinations":["rtmp://a/live","rtmp://b/live"]}`, session.ID)
	rec = postJSON(t, h.BridgeStart, "/api/bridge/start", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bs models.BridgeSession
	decodeBody(t, rec, &bs)
	if bs.State != models.BridgeActive {
		t.Fatalf("expected active bridge, got %s", bs.State)
	}

	rec = postJSON(t, h.BridgeStart, "/api/bridge/start", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double start: expected 409, got %d", rec.Code)
	}

	rec = postJSON(t, h.BridgeUpdateLayout, "/api/bridge/updateLayout", fmt.Sprintf(`{"sessionId":%q,"activeSourceId":"cam-1"}`, session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("updateLayout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h.BridgeStop, "/api/bridge/stop", fmt.Sprintf(`{"sessionId":%q}`, session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(t, h.BridgeStop, "/api/bridge/stop", fmt.Sprintf(`{"sessionId":%q}`, session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat stop should stay 200, got %d", rec.Code)
	}
}

func TestBridgeEndpointsUnconfigured(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	rec := postJSON(t, h.BridgeStart, "/api/bridge/start", `{"sessionId":"s","destinations":["rtmp://a"]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a coordinator, got %d", rec.Code)
	}
}

func TestIngestEndpoints(t *testing.T) {
	store := room.NewStore()
	h := api.NewHandler(store)
	h.Relay = relay.NewManager(stubNegotiator{})
	session := createSession(t, h, "open water swim")
	joinSource(t, h, session.ID, "cam-1", "drone", "camera")

	rec := postJSON(t, h.IngestCreate, "/api/ingest/create", `{"sourceId":"ghost","destinationEndpoint":"rtp://mixer:5004"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source: expected 404, got %d", rec.Code)
	}

	rec = postJSON(t, h.IngestCreate, "/api/ingest/create", `{"sourceId":"cam-1","destinationEndpoint":"rtp://mixer:5004"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var record models.IngestSession
	decodeBody(t, rec, &record)
	if record.ID == "" || record.State != models.IngestCreated {
		t.Fatalf("unexpected ingest record: %+v", record)
	}

	rec = postJSON(t, h.IngestNegotiate, "/api/ingest/negotiate", fmt.Sprintf(`{"ingestSessionId":%q,"offer":"v=0 offer"}`, record.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("negotiate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer struct {
		Answer string `json:"answer"`
	}
	decodeBody(t, rec, &answer)
	if answer.Answer == "" {
		t.Fatal("expected an SDP answer")
	}

	rec = postJSON(t, h.IngestStop, "/api/ingest/stop", fmt.Sprintf(`{"ingestSessionId":%q}`, record.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h.IngestNegotiate, "/api/ingest/negotiate", fmt.Sprintf(`{"ingestSessionId":%q,"offer":"v=0 offer"}`, record.ID))
	if rec.Code != http.StatusConflict {
		t.Fatalf("negotiating a stopped session should conflict, got %d", rec.Code)
	}

	rec = postJSON(t, h.IngestNegotiate, "/api/ingest/negotiate", `{"ingestSessionId":"missing","offer":"v=0"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown ingest session: expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	req := httptest.NewRequest(http.MethodGet, "/api/join", nil)
	rec := httptest.NewRecorder()
	h.Join(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "POST" {
		t.Fatalf("expected Allow header, got %q", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := api.NewHandler(room.NewStore())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %q", resp.Status)
	}
}
