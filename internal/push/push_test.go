package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/portal/internal/portal/database"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 || pubBytes[0] != 0x04 {
		t.Errorf("public key length = %d, want 65 uncompressed", len(pubBytes))
	}

	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(privBytes) != 32 {
		t.Errorf("private key length = %d, want 32", len(privBytes))
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

// browserSubscription returns subscription keys the way a browser would
// produce them.
func browserSubscription(t *testing.T, endpoint string) *model.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return &model.PushSubscription{
		Endpoint:  endpoint,
		P256dhKey: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		AuthKey:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestService(t *testing.T, srv *httptest.Server) *Service {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	return NewService(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "mailto:ops@example.com",
		HTTPClient:      srv.Client(),
	})
}

func TestSendEncryptsAndSigns(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc := newTestService(t, srv)
	err := svc.Send(context.Background(), browserSubscription(t, srv.URL+"/push/abc"), Payload{Title: "Hello", Body: "secret body"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/push/abc" {
		t.Errorf("request = %s %s", got.Method, got.URL.Path)
	}
	if enc := got.Header.Get("Content-Encoding"); enc != "aes128gcm" {
		t.Errorf("Content-Encoding = %q, want aes128gcm", enc)
	}
	if got.Header.Get("Authorization") == "" {
		t.Error("missing VAPID authorization header")
	}
	if strings.Contains(string(body), "secret body") {
		t.Error("payload sent in plaintext")
	}
}

func TestSendGoneIsExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	svc := newTestService(t, srv)
	err := svc.Send(context.Background(), browserSubscription(t, srv.URL), Payload{Title: "x"})
	if !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

type fakeSender struct {
	sent    []string
	expired map[string]bool
}

func (f *fakeSender) Send(_ context.Context, sub *model.PushSubscription, _ Payload) error {
	if f.expired[sub.Endpoint] {
		return ErrExpired
	}
	f.sent = append(f.sent, sub.Endpoint)
	return nil
}

func setupStore(t *testing.T) (*sql.DB, *store.PushStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, store.NewPushStore(db)
}

func TestFanoutHonoursPreferencesAndPrunes(t *testing.T) {
	db, ps := setupStore(t)
	users := store.NewUserStore(db)
	alice, err := users.Create("alice@example.com", "Alice", model.RoleCustomer)
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	ops, err := users.Create("ops@example.com", "Ops", model.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	for _, s := range []struct {
		user     int64
		endpoint string
	}{
		{alice.ID, "https://push.example.com/alice-phone"},
		{alice.ID, "https://push.example.com/alice-old"},
		{ops.ID, "https://push.example.com/ops"},
	} {
		if _, err := ps.CreateSubscription(s.user, s.endpoint, "p256", "auth", ""); err != nil {
			t.Fatalf("subscribe %s: %v", s.endpoint, err)
		}
	}

	sender := &fakeSender{expired: map[string]bool{"https://push.example.com/alice-old": true}}
	f := newFanout(sender, ps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	n, err := f.PushToUser(ctx, alice.ID, model.NotifInstanceProvisioned, Payload{Title: "ready"})
	if err != nil {
		t.Fatalf("push to user: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	remaining, _ := ps.ListByUser(alice.ID)
	if len(remaining) != 1 || remaining[0].Endpoint != "https://push.example.com/alice-phone" {
		t.Errorf("remaining = %+v, want only alice-phone", remaining)
	}

	if err := ps.SetPreference(ops.ID, model.NotifTicketCreated, false); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	n, err = f.PushToAdmins(ctx, model.NotifTicketCreated, Payload{Title: "ticket"})
	if err != nil || n != 0 {
		t.Errorf("muted push = %d, %v; want 0", n, err)
	}
	n, err = f.PushToAdmins(ctx, model.NotifSubscriptionPurchased, Payload{Title: "order"})
	if err != nil || n != 1 {
		t.Errorf("admin push = %d, %v; want 1", n, err)
	}
}
