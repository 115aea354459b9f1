package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/portal/internal/portal/database"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
	portalstripe "github.com/dukerupert/portal/internal/portal/stripe"
	"github.com/dukerupert/portal/internal/push"
	"github.com/dukerupert/portal/internal/websocket"
)

type testServer struct {
	*httptest.Server
	srv           *Server
	customerToken string
	adminToken    string
}

func setup(t *testing.T, cfg Config) *testServer {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg.OTPHashCost = bcrypt.MinCost
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(db, cfg, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := &testServer{Server: httptest.NewServer(srv.Router()), srv: srv}
	t.Cleanup(ts.Close)

	users := store.NewUserStore(db)
	sessions := store.NewSessionStore(db)
	for _, u := range []struct {
		email string
		role  model.Role
		token *string
	}{
		{"alice@example.com", model.RoleCustomer, &ts.customerToken},
		{"ops@example.com", model.RoleAdmin, &ts.adminToken},
	} {
		user, err := users.Create(u.email, "", u.role)
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		sess, err := sessions.Create(user.ID)
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		*u.token = sess.Token
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := setup(t, Config{})
	resp := ts.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCredentialSaltIsStable(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()
	settings := store.NewSettingsStore(db)

	if _, err := CredentialSealer(settings, "passphrase"); err != nil {
		t.Fatalf("first sealer: %v", err)
	}
	first, _, _ := settings.Get(store.SettingCredentialSalt)
	if _, err := CredentialSealer(settings, "passphrase"); err != nil {
		t.Fatalf("second sealer: %v", err)
	}
	second, _, _ := settings.Get(store.SettingCredentialSalt)
	if first == "" || first != second {
		t.Errorf("salt changed: %q -> %q", first, second)
	}
}

func TestVAPIDKeysAreStable(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()
	settings := store.NewSettingsStore(db)

	first, err := VAPIDKeys(settings, push.Config{})
	if err != nil {
		t.Fatalf("first keys: %v", err)
	}
	second, err := VAPIDKeys(settings, push.Config{})
	if err != nil {
		t.Fatalf("second keys: %v", err)
	}
	if first.VAPIDPublicKey == "" || first != second {
		t.Errorf("keys changed: %+v -> %+v", first, second)
	}

	fixed := push.Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}
	if got, _ := VAPIDKeys(settings, fixed); got != fixed {
		t.Errorf("configured keys replaced: %+v", got)
	}
}

func TestPushRoutes(t *testing.T) {
	ts := setup(t, Config{})

	if resp := ts.do(t, "GET", "/api/push/vapid-key", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous vapid-key = %d, want 401", resp.StatusCode)
	}
	resp := ts.do(t, "GET", "/api/push/vapid-key", ts.customerToken, nil)
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["public_key"] == "" {
		t.Errorf("vapid-key body = %v", body)
	}

	resp = ts.do(t, "GET", "/admin/api/settings", ts.adminToken, nil)
	var settings map[string]string
	json.NewDecoder(resp.Body).Decode(&settings)
	if _, ok := settings[store.SettingVAPIDKeys]; ok {
		t.Error("settings expose the VAPID private key")
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := setup(t, Config{})

	for _, path := range []string{"/api/dashboard", "/api/my-port", "/api/my-port/credentials", "/admin/api/ports"} {
		if resp := ts.do(t, "GET", path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
	if resp := ts.do(t, "GET", "/api/plans", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("plans status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := setup(t, Config{})

	if resp := ts.do(t, "GET", "/admin/api/ports", ts.customerToken, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("customer status = %d, want 403", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/admin/api/ports", ts.adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d, want 200", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/api/me", ts.customerToken, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("me status = %d, want 200", resp.StatusCode)
	}
}

func TestPortCredentialsSealedAtRest(t *testing.T) {
	ts := setup(t, Config{SecretKey: "correct horse battery staple"})

	resp := ts.do(t, "POST", "/admin/api/ports", ts.adminToken, map[string]string{
		"instance_url": "https://one.example.com",
		"db_password":  "hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var port model.Port
	json.NewDecoder(resp.Body).Decode(&port)

	var stored string
	if err := ts.srv.db.QueryRow(`SELECT db_password FROM ports WHERE id = ?`, port.ID).Scan(&stored); err != nil {
		t.Fatalf("read column: %v", err)
	}
	if stored == "hunter2" || !strings.HasPrefix(stored, "enc:v1:") {
		t.Errorf("stored password = %q, want sealed", stored)
	}

	got, err := ts.srv.portStore.GetByID(port.ID)
	if err != nil {
		t.Fatalf("get port: %v", err)
	}
	if got.DBPassword != "hunter2" {
		t.Errorf("opened password = %q, want hunter2", got.DBPassword)
	}

	counts, err := ts.srv.PortCounts()
	if err != nil {
		t.Fatalf("port counts: %v", err)
	}
	if counts["AVAILABLE"] != 1 {
		t.Errorf("counts = %v, want AVAILABLE=1", counts)
	}
}

func TestBackupsDisabledWithoutStorage(t *testing.T) {
	ts := setup(t, Config{SecretKey: "passphrase"})

	resp := ts.do(t, "GET", "/admin/api/backups", ts.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Status.State != "disabled" {
		t.Errorf("state = %q, want disabled", body.Status.State)
	}

	if resp := ts.do(t, "POST", "/admin/api/backups", ts.adminToken, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want 503", resp.StatusCode)
	}
	if resp := ts.do(t, "POST", "/admin/api/backups", ts.customerToken, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("customer run status = %d, want 403", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ts := setup(t, Config{})

	var last *http.Response
	for i := 0; i < 11; i++ {
		last = ts.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "nobody@example.com"})
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th login status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestWebhookRouteOnlyWithSecret(t *testing.T) {
	ts := setup(t, Config{})
	if resp := ts.do(t, "POST", "/webhooks/stripe", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("without secret status = %d, want 404", resp.StatusCode)
	}

	ts = setup(t, Config{Stripe: portalstripe.Config{WebhookSecret: "whsec_test"}})
	if resp := ts.do(t, "POST", "/webhooks/stripe", "", map[string]string{"type": "checkout.session.completed"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsigned status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminFeedStreamsPortEvents(t *testing.T) {
	ts := setup(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/ws"
	conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + ts.adminToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for ts.srv.hub.ClientCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("feed client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := ts.do(t, "POST", "/admin/api/ports", ts.adminToken, map[string]string{"instance_url": "https://feed.example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev websocket.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != string(model.ActionCreated) || ev.Summary != "https://feed.example.com" {
		t.Errorf("event = %+v", ev)
	}
}

func TestAdminFeedRejectsCustomers(t *testing.T) {
	ts := setup(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/ws"
	_, resp, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + ts.customerToken}},
	})
	if err == nil {
		t.Fatal("customer dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
