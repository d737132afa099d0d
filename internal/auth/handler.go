package auth

import (
	"context"
	"net/http"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const stateCookieName = "oauth_state"

// CodeExchanger is the OAuth provider surface used by the handlers.
type CodeExchanger interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// Registerer stores the owner of an access token.
type Registerer interface {
	Register(ctx context.Context, token string) (model.User, error)
}

// Handler serves /auth/login and /auth/callback.
type Handler struct {
	provider  CodeExchanger
	registrar Registerer
	logger    *zap.Logger

	// SuccessRedirect is where the browser lands after registration.
	SuccessRedirect string
	// SecureCookie marks the state cookie HTTPS-only.
	SecureCookie bool
	// NewState is injected for testability.
	NewState func() string
}

// NewHandler creates the login handlers.
func NewHandler(provider CodeExchanger, registrar Registerer, logger ...*zap.Logger) *Handler {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Handler{
		provider:        provider,
		registrar:       registrar,
		logger:          baseLogger,
		SuccessRedirect: "/leaderboard",
		NewState:        func() string { return xid.New().String() },
	}
}

// Login stores a single-use state cookie and redirects to GitHub.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	state := h.NewState()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback verifies state, exchanges the code and registers the user.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || query.Get("state") != stateCookie.Value {
		h.logger.Warn("oauth callback rejected: state mismatch")
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookieName,
		Value:  "",
		Path:   "/auth",
		MaxAge: -1,
	})

	if denied := query.Get("error"); denied != "" {
		h.logger.Info("oauth authorization denied", zap.String("error", denied))
		http.Error(w, "authorization denied", http.StatusForbidden)
		return
	}
	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing oauth code", http.StatusBadRequest)
		return
	}

	token, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Warn("oauth code exchange failed", zap.Error(err))
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}
	user, err := h.registrar.Register(r.Context(), token)
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("oauth login completed", zap.String("login", user.Login))
	http.Redirect(w, r, h.SuccessRedirect, http.StatusSeeOther)
}
