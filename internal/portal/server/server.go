package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/backup"
	"github.com/dukerupert/portal/internal/email"
	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/middleware"
	"github.com/dukerupert/portal/internal/notify"
	"github.com/dukerupert/portal/internal/portal/allocation"
	"github.com/dukerupert/portal/internal/portal/handler"
	"github.com/dukerupert/portal/internal/portal/otp"
	"github.com/dukerupert/portal/internal/portal/store"
	portalstripe "github.com/dukerupert/portal/internal/portal/stripe"
	"github.com/dukerupert/portal/internal/portal/sweep"
	"github.com/dukerupert/portal/internal/push"
	"github.com/dukerupert/portal/internal/secret"
	"github.com/dukerupert/portal/internal/websocket"
)

type Server struct {
	db           *sql.DB
	logger       *slog.Logger
	sessionStore *store.SessionStore
	userStore    *store.UserStore
	portStore    *store.PortStore
	otp          *otp.Service
	alloc        *allocation.Service
	scheduler    *sweep.Scheduler
	backups      *backup.Manager
	dispatcher   *notify.Dispatcher
	hub          *websocket.Hub
	stripeClient *portalstripe.Client
	rateLimiter  *middleware.RateLimiter
	wsOrigins    []string

	authH     *handler.AuthHandler
	portalH   *handler.PortalHandler
	checkoutH *handler.CheckoutHandler
	webhookH  *handler.WebhookHandler
	ticketH   *handler.TicketHandler
	adminH    *handler.AdminHandler
	backupH   *handler.BackupHandler
	pushH     *handler.PushHandler
}

type Config struct {
	// SecretKey seals port database passwords at rest. Empty stores them
	// in plain text.
	SecretKey     string
	Stripe        portalstripe.Config
	EmailClient   *email.Client
	SupportEmail  string
	SweepSchedule string
	OTPExpiry     time.Duration
	OTPCooldown   time.Duration
	OTPHashCost   int
	RevealWindow  time.Duration
	WSOrigins     []string
	SecureCookie  bool
	Backup        backup.Config
	// Push keys are generated and stored in settings when left empty.
	Push push.Config
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	settingsStore := store.NewSettingsStore(db)
	sealer, err := CredentialSealer(settingsStore, cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	if !sealer.Enabled() {
		logger.Warn("PORTAL_SECRET_KEY not set, port credentials are stored unencrypted")
	}

	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	planStore := store.NewPlanStore(db)
	portStore := store.NewPortStore(db, sealer)
	subStore := store.NewSubscriptionStore(db)
	orderStore := store.NewOrderStore(db)
	ticketStore := store.NewTicketStore(db)
	logStore := store.NewAllocationLogStore(db)

	hub := websocket.NewHub(logger.With("component", "feed"))

	// A nil *email.Client must not reach the interfaces below as a non-nil value.
	var mailer notify.Mailer
	var sender otp.Sender
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
		mailer = cfg.EmailClient
		sender = cfg.EmailClient
	} else {
		logger.Warn("email not configured, codes will be logged")
	}
	pushCfg, err := VAPIDKeys(settingsStore, cfg.Push)
	if err != nil {
		return nil, err
	}
	pushStore := store.NewPushStore(db)
	pushSvc := push.NewService(pushCfg)
	dispatcher := notify.NewDispatcher(mailer, hub, cfg.SupportEmail, logger,
		notify.WithPusher(push.NewFanout(pushSvc, pushStore, logger)))

	var otpOpts []otp.Option
	if cfg.OTPExpiry > 0 {
		otpOpts = append(otpOpts, otp.WithExpiry(cfg.OTPExpiry))
	}
	if cfg.OTPCooldown > 0 {
		otpOpts = append(otpOpts, otp.WithCooldown(cfg.OTPCooldown))
	}
	if cfg.OTPHashCost > 0 {
		otpOpts = append(otpOpts, otp.WithHashCost(cfg.OTPHashCost))
	}
	if cfg.RevealWindow > 0 {
		otpOpts = append(otpOpts, otp.WithRevealWindow(cfg.RevealWindow))
	}
	otpSvc := otp.NewService(store.NewOTPStore(db), sender, logger, otpOpts...)

	alloc := allocation.NewService(db, portStore, dispatcher, logger)
	rateLimiter := middleware.NewRateLimiter()

	scheduler := sweep.New(alloc, cfg.SweepSchedule, logger)
	scheduler.AddHousekeeping("sessions", func(context.Context) error {
		n, err := sessionStore.DeleteExpired()
		if n > 0 {
			logger.Info("cleaned up expired sessions", "count", n)
		}
		return err
	})
	scheduler.AddHousekeeping("otp_codes", func(ctx context.Context) error {
		_, err := otpSvc.Cleanup(ctx)
		return err
	})
	scheduler.AddHousekeeping("rate_limiter", func(context.Context) error {
		rateLimiter.Cleanup()
		return nil
	})

	backups := backup.NewManager(cfg.Backup, db, store.NewBackupStore(db), logger, func(st backup.Status) {
		hub.Publish(websocket.Event{Type: "BACKUP_" + strings.ToUpper(string(st.State)), Summary: st.Error})
	})

	stripeClient := portalstripe.NewClient(cfg.Stripe)

	s := &Server{
		db:           db,
		logger:       logger,
		sessionStore: sessionStore,
		userStore:    userStore,
		portStore:    portStore,
		otp:          otpSvc,
		alloc:        alloc,
		scheduler:    scheduler,
		backups:      backups,
		dispatcher:   dispatcher,
		hub:          hub,
		stripeClient: stripeClient,
		rateLimiter:  rateLimiter,
		wsOrigins:    cfg.WSOrigins,

		authH: handler.NewAuthHandler(userStore, sessionStore, otpSvc, cfg.SecureCookie, logger.With("component", "auth")),
		portalH: handler.NewPortalHandler(userStore, subStore, planStore, portStore, orderStore, ticketStore,
			otpSvc, cfg.RevealWindow, logger.With("component", "portal")),
		checkoutH: handler.NewCheckoutHandler(stripeClient, planStore, orderStore, logger.With("component", "checkout")),
		ticketH:   handler.NewTicketHandler(ticketStore, userStore, dispatcher, logger.With("component", "tickets")),
		adminH: handler.NewAdminHandler(alloc, portStore, subStore, logStore, userStore, planStore, settingsStore,
			scheduler, logger.With("component", "admin")),
		backupH: handler.NewBackupHandler(backups, logger.With("component", "backup")),
		pushH:   handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push")),
	}
	if cfg.Stripe.WebhookSecret != "" {
		s.webhookH = handler.NewWebhookHandler(db, stripeClient, alloc, dispatcher, logger.With("component", "webhook"))
	}
	return s, nil
}

// CredentialSealer builds the sealer from the passphrase and the database's
// persistent salt, creating the salt on first start.
func CredentialSealer(settings *store.SettingsStore, passphrase string) (*secret.Sealer, error) {
	encoded, err := settings.GetOrInit(store.SettingCredentialSalt, func() (string, error) {
		salt, err := secret.GenerateSalt()
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(salt), nil
	})
	if err != nil {
		return nil, fmt.Errorf("load credential salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credential salt: %w", err)
	}
	return secret.NewSealer(passphrase, salt)
}

// VAPIDKeys fills in the push key pair from settings when cfg has none,
// generating and saving one on first start.
func VAPIDKeys(settings *store.SettingsStore, cfg push.Config) (push.Config, error) {
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		return cfg, nil
	}
	pair, err := settings.GetOrInit(store.SettingVAPIDKeys, func() (string, error) {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return "", err
		}
		return pub + ":" + priv, nil
	})
	if err != nil {
		return cfg, fmt.Errorf("load VAPID keys: %w", err)
	}
	pub, priv, ok := strings.Cut(pair, ":")
	if !ok {
		return cfg, fmt.Errorf("malformed %s setting", store.SettingVAPIDKeys)
	}
	cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = pub, priv
	return cfg, nil
}

// Start begins the background sweep and scheduled backups.
func (s *Server) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.backups.Start()
}

// Shutdown stops the schedulers and waits for queued notifications.
func (s *Server) Shutdown() {
	s.scheduler.Stop()
	s.backups.Stop()
	s.dispatcher.Wait()
}

// PortCounts feeds the port status gauge.
func (s *Server) PortCounts() (map[string]int, error) {
	counts, err := s.portStore.CountByStatus()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	// Public API
	loginLimit := middleware.RateLimit(s.rateLimiter, "login", middleware.ByIP, 10, time.Minute)
	verifyLimit := middleware.RateLimit(s.rateLimiter, "verify", middleware.ByIP, 20, time.Minute)
	mux.HandleFunc("GET /api/plans", s.portalH.Plans)
	mux.Handle("POST /api/auth/login", loginLimit(http.HandlerFunc(s.authH.Login)))
	mux.Handle("POST /api/auth/verify", verifyLimit(http.HandlerFunc(s.authH.Verify)))

	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	// Customer API
	authMw := middleware.RequireAuth(s.sessionStore, s.userStore)
	authed := func(h http.HandlerFunc) http.Handler { return authMw(h) }
	sendOTPLimit := middleware.RateLimit(s.rateLimiter, "send-otp", middleware.ByIP, 5, time.Minute)
	verifyOTPLimit := middleware.RateLimit(s.rateLimiter, "verify-otp", middleware.ByIP, 10, time.Minute)

	mux.Handle("POST /api/auth/logout", authed(s.authH.Logout))
	mux.Handle("POST /api/auth/logout-all", authed(s.authH.LogoutAll))
	mux.Handle("GET /api/me", authed(s.authH.Me))
	mux.Handle("GET /api/dashboard", authed(s.portalH.Dashboard))
	mux.Handle("GET /api/subscription", authed(s.portalH.Subscription))
	mux.Handle("GET /api/orders", authed(s.portalH.Orders))
	mux.Handle("POST /api/checkout", authed(s.checkoutH.CreateCheckoutSession))
	mux.Handle("GET /api/my-port", authed(s.portalH.MyPort))
	mux.Handle("GET /api/my-port/credentials", authed(s.portalH.MyPortCredentials))
	mux.Handle("POST /api/send-otp", sendOTPLimit(authed(s.portalH.SendOTP)))
	mux.Handle("POST /api/verify-otp", verifyOTPLimit(authed(s.portalH.VerifyOTP)))
	mux.Handle("GET /api/tickets", authed(s.ticketH.List))
	mux.Handle("POST /api/tickets", authed(s.ticketH.Create))
	mux.Handle("GET /api/tickets/{id}", authed(s.ticketH.Get))
	mux.Handle("POST /api/tickets/{id}/replies", authed(s.ticketH.Reply))
	mux.Handle("GET /api/push/vapid-key", authed(s.pushH.VAPIDKey))
	mux.Handle("POST /api/push/subscribe", authed(s.pushH.Subscribe))
	mux.Handle("GET /api/push/subscriptions", authed(s.pushH.ListSubscriptions))
	mux.Handle("DELETE /api/push/subscriptions/{id}", authed(s.pushH.Unsubscribe))
	mux.Handle("GET /api/push/preferences", authed(s.pushH.GetPreferences))
	mux.Handle("PUT /api/push/preferences", authed(s.pushH.UpdatePreferences))
	mux.Handle("POST /api/push/test", authed(s.pushH.Test))

	// Admin API
	admin := func(h http.HandlerFunc) http.Handler { return authMw(middleware.RequireAdmin(h)) }
	a := s.adminH

	mux.Handle("GET /admin/api/ports", admin(a.ListPorts))
	mux.Handle("POST /admin/api/ports", admin(a.CreatePort))
	mux.Handle("GET /admin/api/ports/stats", admin(a.PortStats))
	mux.Handle("GET /admin/api/ports/{id}", admin(a.GetPort))
	mux.Handle("PUT /admin/api/ports/{id}", admin(a.UpdatePort))
	mux.Handle("DELETE /admin/api/ports/{id}", admin(a.DeletePort))
	mux.Handle("POST /admin/api/ports/{id}/assign", admin(a.AssignPort))
	mux.Handle("POST /admin/api/ports/{id}/release", admin(a.ReleasePort))
	mux.Handle("PUT /admin/api/ports/{id}/status", admin(a.SetPortStatus))
	mux.Handle("GET /admin/api/ports/{id}/logs", admin(a.PortLogs))

	mux.Handle("GET /admin/api/subscriptions", admin(a.ListSubscriptions))
	mux.Handle("POST /admin/api/subscriptions/{id}/assign-next", admin(a.AssignNext))
	mux.Handle("POST /admin/api/subscriptions/{id}/reassign", admin(a.Reassign))
	mux.Handle("POST /admin/api/subscriptions/{id}/unassign", admin(a.Unassign))
	mux.Handle("POST /admin/api/subscriptions/{id}/extend", admin(a.Extend))
	mux.Handle("PUT /admin/api/subscriptions/{id}/status", admin(a.SetSubscriptionStatus))
	mux.Handle("GET /admin/api/subscriptions/{id}/logs", admin(a.SubscriptionLogs))

	mux.Handle("GET /admin/api/logs", admin(a.Logs))
	mux.Handle("POST /admin/api/sweep", admin(a.RunSweep))
	mux.Handle("GET /admin/api/sweep", admin(a.SweepStatus))

	mux.Handle("GET /admin/api/users", admin(a.ListUsers))
	mux.Handle("POST /admin/api/users", admin(a.CreateUser))
	mux.Handle("GET /admin/api/users/{id}/logs", admin(a.UserLogs))
	mux.Handle("POST /admin/api/plans", admin(a.CreatePlan))
	mux.Handle("PUT /admin/api/plans/{id}/active", admin(a.SetPlanActive))
	mux.Handle("GET /admin/api/settings", admin(a.GetSettings))
	mux.Handle("PUT /admin/api/settings", admin(a.UpdateSettings))

	mux.Handle("GET /admin/api/backups", admin(s.backupH.List))
	mux.Handle("POST /admin/api/backups", admin(s.backupH.Run))
	mux.Handle("GET /admin/api/backups/{id}/download", admin(s.backupH.Download))

	mux.Handle("GET /admin/api/tickets", admin(s.ticketH.List))
	mux.Handle("GET /admin/api/tickets/{id}", admin(s.ticketH.Get))
	mux.Handle("POST /admin/api/tickets/{id}/replies", admin(s.ticketH.Reply))
	mux.Handle("PUT /admin/api/tickets/{id}/status", admin(s.ticketH.UpdateStatus))

	mux.Handle("GET /admin/ws", admin(websocket.HandleFeed(s.hub, s.wsOrigins, s.logger.With("component", "feed"))))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]any{"status": "ok"}
	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		status["status"] = "unavailable"
	}
	if avail, err := s.portStore.CountAvailable(); err == nil {
		status["available_ports"] = avail
	}
	json.NewEncoder(w).Encode(status)
}
