package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/registry"
	"github.com/asheshgoplani/wa-deck/internal/session"
	"github.com/asheshgoplani/wa-deck/internal/statedb"
)

func newPushServer(t *testing.T) (*Server, *statedb.StateDB) {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	keys, _, err := events.EnsureVAPIDKeys(db)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys: %v", err)
	}
	reg := registry.New(registry.Config{CacheDir: t.TempDir()})
	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		APIKey:     testKey,
		Manager:    session.New(session.Config{}, session.Deps{Registry: reg}),
		Push:       events.NewPush(db, keys, "mailto:ops@example.com"),
	})
	return srv, db
}

func pushRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("auth-key", testKey)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestPushConfigEndpointEnabled(t *testing.T) {
	srv, _ := newPushServer(t)

	rr := pushRequest(srv, http.MethodGet, "/admin/push/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp pushConfigResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Enabled || resp.VAPIDPublicKey == "" {
		t.Fatalf("expected enabled config with a public key, got %+v", resp)
	}
	if resp.Subject != "mailto:ops@example.com" {
		t.Fatalf("unexpected subject %q", resp.Subject)
	}
}

func TestPushSubscribeAndUnsubscribeEndpoints(t *testing.T) {
	srv, db := newPushServer(t)

	body := `{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"p","auth":"a"},"client_id":"alice"}`
	rr := pushRequest(srv, http.MethodPost, "/admin/push/subscribe", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("subscribe: expected %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	subs, err := db.LoadSubscriptions("alice")
	if err != nil {
		t.Fatalf("LoadSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ClientID != "alice" {
		t.Fatalf("expected one subscription for alice, got %+v", subs)
	}

	rr = pushRequest(srv, http.MethodGet, "/admin/push/config", "")
	if !strings.Contains(rr.Body.String(), `"subscriptionCount":1`) {
		t.Fatalf("expected subscriptionCount=1, got %s", rr.Body.String())
	}

	rr = pushRequest(srv, http.MethodPost, "/admin/push/unsubscribe", `{"endpoint":"https://push.example.com/abc"}`)
	if !strings.Contains(rr.Body.String(), "subscription removed") {
		t.Fatalf("unexpected unsubscribe response: %s", rr.Body.String())
	}
	rr = pushRequest(srv, http.MethodPost, "/admin/push/unsubscribe", `{"endpoint":"https://push.example.com/abc"}`)
	if !strings.Contains(rr.Body.String(), "subscription not found") {
		t.Fatalf("unexpected second unsubscribe response: %s", rr.Body.String())
	}
}

func TestPushSubscribeRejectsInvalidPayload(t *testing.T) {
	srv, _ := newPushServer(t)

	cases := []string{
		`not json`,
		`{"endpoint":"","keys":{"p256dh":"p","auth":"a"}}`,
		`{"endpoint":"http://push.example.com/abc","keys":{"p256dh":"p","auth":"a"}}`,
		`{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"p"}}`,
		`{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"p","auth":"a"},"client_id":"../x"}`,
	}
	for _, body := range cases {
		rr := pushRequest(srv, http.MethodPost, "/admin/push/subscribe", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected %d, got %d", body, http.StatusBadRequest, rr.Code)
		}
	}

	rr := pushRequest(srv, http.MethodPost, "/admin/push/unsubscribe", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unsubscribe without endpoint: expected %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestPushSubscribeUnauthorizedWhenKeyEnabled(t *testing.T) {
	srv, _ := newPushServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/push/subscribe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}
