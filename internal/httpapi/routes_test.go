package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"layersync/server/internal/auth"
	"layersync/server/internal/notify"
	"layersync/server/internal/session"
	"layersync/server/internal/storage"
)

const operatorSubject = "ops"

type testServer struct {
	*httptest.Server
	registry *session.Registry
	bus      *notify.Bus
}

func newTestServer(t *testing.T, subject string) *testServer {
	t.Helper()
	store := newTestStore(t)
	bus := notify.NewBus()
	registry := session.NewRegistry(store, bus, session.DefaultConfig())
	tokens, err := auth.NewTokens("httpapi-test-secret-0123456789!!", time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	server := NewServer(registry, Options{
		Tokens:     tokens,
		Events:     bus,
		IsOperator: func(sub string) bool { return sub == operatorSubject },
	})
	router := mux.NewRouter()
	server.RegisterRoutes(router)
	var handler http.Handler = router
	if subject != "" {
		handler = auth.DevUserMiddleware(subject)(router)
	}
	ts := &testServer{Server: httptest.NewServer(handler), registry: registry, bus: bus}
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return ts
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(t.Context()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, "")
	resp := do(t, http.MethodGet, server.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var payload struct {
		Status string `json:"status"`
	}
	decode(t, resp, &payload)
	if payload.Status != "ok" {
		t.Fatalf("status field: got %q", payload.Status)
	}
}

func TestCreateGetListTerminate(t *testing.T) {
	server := newTestServer(t, operatorSubject)

	resp := do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{
		ID:         "sketch",
		Title:      "Sketch night",
		Persist:    true,
		Width:      320,
		Height:     200,
		Background: "#ffffff",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}
	var created session.Info
	decode(t, resp, &created)
	if created.ID != "sketch" || created.Width != 320 || created.Height != 200 || !created.Stored || !created.Persist {
		t.Fatalf("created: got %+v", created)
	}

	resp = do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{ID: "sketch"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status: got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, server.URL+"/api/sessions/sketch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: got %d", resp.StatusCode)
	}
	var got session.Info
	decode(t, resp, &got)
	if got.Title != "Sketch night" {
		t.Fatalf("title: got %q", got.Title)
	}

	resp = do(t, http.MethodGet, server.URL+"/api/sessions", nil)
	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	decode(t, resp, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "sketch" {
		t.Fatalf("list: got %+v", list.Sessions)
	}

	resp = do(t, http.MethodDelete, server.URL+"/api/sessions/sketch", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("terminate status: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, server.URL+"/api/sessions/sketch", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after terminate: got %d", resp.StatusCode)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	cases := map[string]any{
		"alias":      createRequest{ID: "not a valid alias"},
		"size":       createRequest{Width: 100},
		"background": createRequest{Background: "red"},
		"unknown":    map[string]any{"colour": "#fff"},
	}
	for name, body := range cases {
		resp := do(t, http.MethodPost, server.URL+"/api/sessions", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status got %d", name, resp.StatusCode)
		}
	}
}

func TestManagementRequiresOperator(t *testing.T) {
	anonymous := newTestServer(t, "")
	resp := do(t, http.MethodPost, anonymous.URL+"/api/sessions", createRequest{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create: got %d", resp.StatusCode)
	}

	user := newTestServer(t, "someone")
	resp = do(t, http.MethodPost, user.URL+"/api/sessions", createRequest{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user create: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, user.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("user list: got %d", resp.StatusCode)
	}
}

func TestResetSession(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	resp := do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{ID: "room"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, server.URL+"/api/sessions/room/reset", resetRequest{Blank: true, Width: 100, Height: 50})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status: got %d", resp.StatusCode)
	}
	var payload struct {
		Session session.Info `json:"session"`
	}
	decode(t, resp, &payload)
	if payload.Session.Width != 100 || payload.Session.Height != 50 {
		t.Fatalf("reset size: got %dx%d", payload.Session.Width, payload.Session.Height)
	}

	resp = do(t, http.MethodPost, server.URL+"/api/sessions/missing/reset", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing reset: got %d", resp.StatusCode)
	}
}

func TestConfigureSession(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	resp := do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{ID: "room"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPatch, server.URL+"/api/sessions/room", map[string]any{
		"title":     "Renamed",
		"autoreset": false,
		"sizeLimit": 1 << 20,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status: got %d", resp.StatusCode)
	}
	var info session.Info
	decode(t, resp, &info)
	if info.Title != "Renamed" || info.Autoreset || info.Limit != 1<<20 {
		t.Fatalf("configured: got %+v", info)
	}

	resp = do(t, http.MethodPatch, server.URL+"/api/sessions/room", map[string]any{"sizeLimit": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPatch, server.URL+"/api/sessions/missing", map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session: got %d", resp.StatusCode)
	}
}

func TestKickUser(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	resp := do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{ID: "room", Persist: true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}
	sess, err := server.registry.Get("room")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	member, _, err := sess.Join(context.Background(), session.JoinRequest{Name: "guest"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	url := server.URL + "/api/sessions/room/users/" + strconv.Itoa(int(member.ID)) + "/kick"
	resp = do(t, http.MethodPost, url, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("kick status: got %d", resp.StatusCode)
	}
	if users := sess.Info().Users; len(users) != 0 {
		t.Fatalf("users after kick: got %+v", users)
	}
	resp = do(t, http.MethodPost, url, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("kick absent user: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, server.URL+"/api/sessions/room/users/0/kick", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("kick user zero: got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	resp := do(t, http.MethodPut, server.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, server.URL+"/auth/token", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("token status: got %d", resp.StatusCode)
	}
}

func TestIssueToken(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	resp := do(t, http.MethodPost, server.URL+"/auth/token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var payload struct {
		Token    string `json:"token"`
		Operator bool   `json:"operator"`
	}
	decode(t, resp, &payload)
	if payload.Token == "" || !payload.Operator {
		t.Fatalf("token response: got %+v", payload)
	}

	tokens, _ := auth.NewTokens("httpapi-test-secret-0123456789!!", time.Hour)
	claims, err := tokens.Verify(payload.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != operatorSubject || !claims.Operator {
		t.Fatalf("claims: got %+v", claims)
	}

	anonymous := newTestServer(t, "")
	resp = do(t, http.MethodPost, anonymous.URL+"/auth/token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous token: got %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	server := newTestServer(t, operatorSubject)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	// The subscription exists once the headers have been flushed.
	create := do(t, http.MethodPost, server.URL+"/api/sessions", createRequest{ID: "watched"})
	if create.StatusCode != http.StatusCreated {
		t.Fatalf("create status: got %d", create.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type == notify.SessionCreated && ev.SessionID == "watched" {
			return
		}
	}
	t.Fatalf("no session.created event: %v", scanner.Err())
}
