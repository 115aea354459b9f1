package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/portal/otp"
	"github.com/dukerupert/portal/internal/portal/store"
)

type AuthHandler struct {
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	otp          *otp.Service
	secureCookie bool
	logger       *slog.Logger
}

func NewAuthHandler(us *store.UserStore, ss *store.SessionStore, otpSvc *otp.Service, secureCookie bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		userStore:    us,
		sessionStore: ss,
		otp:          otpSvc,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// Login mails a sign-in code. The response is the same whether or not the
// address has an account.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	resp := map[string]any{"success": true, "expires_in": int(h.otp.Expiry().Seconds())}

	user, err := h.userStore.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("login lookup", "error", err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res, err := h.otp.Send(r.Context(), user.Email, otp.PurposeLogin)
	if errors.Is(err, otp.ErrCooldown) {
		writeCooldown(w, res)
		return
	}
	if err != nil {
		h.logger.Error("send login code", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify exchanges a sign-in code for a session. The token is returned in the
// body as well as the cookie so the CLI can use it as a bearer token.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.otp.Verify(r.Context(), req.Email, otp.PurposeLogin, req.Code); err != nil {
		writeOTPError(w, err, h.logger)
		return
	}

	user, err := h.userStore.GetByEmail(req.Email)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "account not found")
		return
	}

	sess, err := h.sessionStore.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("signed in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": sess.Token, "user": user})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if ok && p.SessionID != 0 {
		if err := h.sessionStore.Delete(p.SessionID); err != nil {
			h.logger.Error("delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// LogoutAll ends every session of the caller, including this one.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionStore.DeleteByUserID(auth.UserID(r.Context())); err != nil {
		h.logger.Error("delete sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}
	h.Logout(w, r)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userStore.GetByID(auth.UserID(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func writeCooldown(w http.ResponseWriter, res *otp.SendResult) {
	wait := otp.DefaultCooldown
	if res != nil {
		wait = res.RetryAfter
	}
	secs := int(wait / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"success":     false,
		"error":       otp.ErrCooldown.Error(),
		"retry_after": secs,
	})
}

// writeOTPError maps verification failures onto the error envelope. Wrong
// and expired codes share one message.
func writeOTPError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, otp.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrInvalidPurpose):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("verify code", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
	}
}
