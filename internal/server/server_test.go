package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ottopad/ottopad/internal/collab"
	"github.com/ottopad/ottopad/internal/pad"
	"github.com/ottopad/ottopad/internal/store"
)

func newTestServer() *Server {
	cfg := Config{
		Addr:           ":0",
		Backend:        "memory",
		Secret:         []byte("test-secret"),
		DefaultPadText: "welcome",
		SessionTTL:     time.Hour,
	}
	logger := log.New(io.Discard, "", 0)
	pads := pad.NewManager(store.NewMemory(), logger, cfg.DefaultPadText)
	checker := NewChecker(pads, cfg.Secret, cfg.SessionTTL)
	coord := collab.NewCoordinator(pads, checker, logger, collab.Options{})
	return New(cfg, logger, pads, coord, checker)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad response %q", method, path, w.Body.String())
		}
	}
	return w, out
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	w, out := doJSON(t, s, "GET", "/healthz", nil)
	if w.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("got %d %v", w.Code, out)
	}
}

func TestPadLifecycle(t *testing.T) {
	s := newTestServer()

	w, _ := doJSON(t, s, "POST", "/api/pads/demo", map[string]string{"text": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	w, _ = doJSON(t, s, "POST", "/api/pads/demo", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: %d", w.Code)
	}

	w, out := doJSON(t, s, "GET", "/api/pads/demo/text", nil)
	if w.Code != http.StatusOK || out["text"] != "hi\n" {
		t.Errorf("get text: %d %v", w.Code, out)
	}

	w, out = doJSON(t, s, "POST", "/api/pads/demo/text", map[string]string{"text": "replaced"})
	if w.Code != http.StatusOK {
		t.Fatalf("set text: %d", w.Code)
	}
	if out["rev"].(float64) != 1 {
		t.Errorf("rev = %v", out["rev"])
	}
	_, out = doJSON(t, s, "GET", "/api/pads/demo/text", nil)
	if out["text"] != "replaced\n" {
		t.Errorf("text = %v", out["text"])
	}

	w, out = doJSON(t, s, "GET", "/api/pads", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	ids := out["padIDs"].([]interface{})
	if len(ids) != 1 || ids[0] != "demo" {
		t.Errorf("list = %v", ids)
	}

	w, _ = doJSON(t, s, "POST", "/api/pads/demo/copy?dest=copy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("copy: %d %s", w.Code, w.Body.String())
	}
	_, out = doJSON(t, s, "GET", "/api/pads/copy/text", nil)
	if out["text"] != "replaced\n" {
		t.Errorf("copied text = %v", out["text"])
	}

	w, out = doJSON(t, s, "POST", "/api/pads/demo/copy?dest=flat&history=false", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("flat copy: %d %s", w.Code, w.Body.String())
	}
	if out["rev"].(float64) != 1 {
		t.Errorf("flat copy rev = %v", out["rev"])
	}

	w, _ = doJSON(t, s, "DELETE", "/api/pads/demo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	w, _ = doJSON(t, s, "GET", "/api/pads/demo/text", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted pad still readable: %d", w.Code)
	}
}

func TestSessionToken(t *testing.T) {
	s := newTestServer()

	w, out := doJSON(t, s, "POST", "/api/session", map[string]string{"token": "t.abc123"})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	signed := out["session"].(string)
	authorID, ok := s.checker.ParseSession(signed)
	if !ok || authorID != out["authorId"] {
		t.Errorf("parsed %q %v, want %v", authorID, ok, out["authorId"])
	}

	w, _ = doJSON(t, s, "POST", "/api/session", map[string]string{"token": "not a token"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad token accepted: %d", w.Code)
	}

	if _, ok := s.checker.ParseSession("bogus"); ok {
		t.Error("bogus session parsed")
	}
}

func TestCheckAccess(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	w, _ := doJSON(t, s, "POST", "/api/pads/locked", map[string]string{"text": "x", "password": "hunter2"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}

	res, err := s.checker.CheckAccess(ctx, "locked", "", "t.abc", "")
	if err != nil || res.Status != collab.AccessNeedPassword {
		t.Errorf("no password: %+v, %v", res, err)
	}
	res, err = s.checker.CheckAccess(ctx, "locked", "", "t.abc", "nope")
	if err != nil || res.Status != collab.AccessWrongPassword {
		t.Errorf("wrong password: %+v, %v", res, err)
	}
	res, err = s.checker.CheckAccess(ctx, "locked", "", "t.abc", "hunter2")
	if err != nil || res.Status != collab.AccessGrant || res.AuthorID == "" {
		t.Errorf("right password: %+v, %v", res, err)
	}

	// the same token maps to the same author every time
	again, err := s.checker.CheckAccess(ctx, "locked", "", "t.abc", "hunter2")
	if err != nil || again.AuthorID != res.AuthorID {
		t.Errorf("token remapped: %+v, %v", again, err)
	}

	// a signed session skips both the token and the password
	signed, err := s.checker.SignSession("a.fixed")
	if err != nil {
		t.Fatal(err)
	}
	res, err = s.checker.CheckAccess(ctx, "locked", signed, "", "")
	if err != nil || res.Status != collab.AccessGrant || res.AuthorID != "a.fixed" {
		t.Errorf("session access: %+v, %v", res, err)
	}

	res, err = s.checker.CheckAccess(ctx, "locked", "", "garbage", "")
	if err != nil || res.Status != collab.AccessDeny {
		t.Errorf("garbage token: %+v, %v", res, err)
	}
}

func TestWebsocketClientReady(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/p/demo/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]interface{}{
		"type":            "CLIENT_READY",
		"padId":           "demo",
		"token":           "t.e2e",
		"protocolVersion": 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "CLIENT_VARS" {
		t.Fatalf("first message type %v", msg["type"])
	}
	data := msg["data"].(map[string]interface{})
	ccv := data["collab_client_vars"].(map[string]interface{})
	if ccv["rev"].(float64) != 0 {
		t.Errorf("rev = %v", ccv["rev"])
	}
	text := ccv["initialAttributedText"].(map[string]interface{})["text"]
	if text != "welcome\n" {
		t.Errorf("text = %v", text)
	}
}
