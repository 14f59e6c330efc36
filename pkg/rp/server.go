// Package rp is the HTTP face of the eHealthID relying party. It accepts
// authorization requests from registered clients, walks the user through the
// sectoral IDP selection, completes the federated login on the callback and
// hands the client a single-use authorization code.
package rp

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/gematik/ehealthid-rp/pkg/oauth2"
	"github.com/gematik/ehealthid-rp/pkg/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
)

const sessionCookieName = "session_id"

// shown whenever the session cannot be produced, for whatever reason
const sessionGoneMessage = "session unknown or expired"

var (
	//go:embed *.html
	templatesFS embed.FS

	selectIdpTemplate = template.Must(template.ParseFS(templatesFS, "select_idp.html", "layout.html"))
	errorTemplate     = template.Must(template.ParseFS(templatesFS, "error.html", "layout.html"))
)

type Server struct {
	cfg       *Config
	flow      *auth.Flow
	gateway   auth.FederationGateway
	sessions  session.Store
	issuer    *TokenIssuer
	wellKnown http.HandlerFunc
	metrics   *serverMetrics
}

type serverMetrics struct {
	requests  prometheus.Counter
	successes prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_requests_total",
			Help: "Authentication requests accepted for processing.",
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_requests_success_total",
			Help: "Authentication requests completed with an issued code.",
		}),
	}
	reg.MustRegister(m.requests, m.successes)
	return m
}

func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.gateway == nil {
		return nil, errNoGateway
	}
	s.flow = auth.NewFlow(s.gateway)

	if s.sessions == nil {
		s.sessions = session.NewMemoryStore(time.Duration(cfg.SessionTTL))
	}
	if s.issuer == nil {
		s.issuer = NewTokenIssuer(time.Duration(cfg.CodeTTL))
	}
	if s.metrics == nil {
		s.metrics = newServerMetrics(prometheus.DefaultRegisterer)
	}

	return s, nil
}

func (s *Server) Flow() *auth.Flow {
	return s.flow
}

func (s *Server) TokenIssuer() *TokenIssuer {
	return s.issuer
}

func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorLogMiddleware,
	)
	group.GET("/auth", s.AuthEndpoint)
	group.POST("/auth/select-idp", s.SelectIdpEndpoint)
	group.GET("/auth/callback", s.CallbackEndpoint)

	if s.wellKnown != nil {
		group.GET("/.well-known/openid-federation", echo.WrapHandler(s.wellKnown))
	}
}

// AuthEndpoint starts an authentication. The redirect_uri is vetted against
// the allow-list before anything else; until that holds there is no trusted
// place to send errors, so early failures render locally.
func (s *Server) AuthEndpoint(c echo.Context) error {
	s.metrics.requests.Inc()

	var (
		responseType string
		clientID     string
		redirectURI  string
		scope        string
		state        string
		nonce        string
	)
	binderr := echo.FormFieldBinder(c).
		MustString("response_type", &responseType).
		MustString("client_id", &clientID).
		MustString("redirect_uri", &redirectURI).
		MustString("scope", &scope).
		MustString("state", &state).
		MustString("nonce", &nonce).
		BindError()
	if binderr != nil {
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: binderr.Error(),
		})
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme != "https" || !s.allowedRedirectURI(redirectURI) {
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: "redirect_uri is not allowed",
		})
	}

	// from here on the redirect target is trusted, protocol errors go back
	// to the client
	if scope != "openid" {
		return redirectWithError(c, redirectURI, state, oauth2.Error{
			Code:        "invalid_scope",
			Description: fmt.Sprintf("scope '%s' not supported", scope),
		})
	}
	if !s.supportedResponseType(responseType) {
		return redirectWithError(c, redirectURI, state, oauth2.Error{
			Code:        "unsupported_response_type",
			Description: fmt.Sprintf("response_type '%s' not supported", responseType),
		})
	}

	verifier := oauth2.GenerateCodeVerifier()

	step, err := s.flow.Start(auth.Intent{
		State:         state,
		Nonce:         nonce,
		CallbackURI:   s.cfg.BaseURI + "/auth/callback",
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Scopes:        s.federationScopes(),
	})
	if err != nil {
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: err.Error(),
		})
	}

	options, err := step.FetchIdpOptions(c.Request().Context())
	if err != nil {
		slog.Error("unable to fetch idp options", "error", err)
		return s.renderError(c, http.StatusServiceUnavailable, oauth2.Error{
			Code:        "temporarily_unavailable",
			Description: "identity providers are currently unavailable, please try again later",
		})
	}

	sess := &session.Session{
		ID:           ksuid.New().String(),
		State:        state,
		Nonce:        nonce,
		RedirectURI:  redirectURI,
		ClientID:     clientID,
		CodeVerifier: verifier,
		Step:         step,
	}
	if err := s.sessions.Save(c.Request().Context(), sess); err != nil {
		return fmt.Errorf("unable to save session: %w", err)
	}

	c.SetCookie(sessionCookie(sess.ID))

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return selectIdpTemplate.Execute(c.Response().Writer, map[string]any{
		"options": options,
	})
}

// SelectIdpEndpoint advances the session to the chosen sectoral IDP and
// redirects the user agent there.
func (s *Server) SelectIdpEndpoint(c echo.Context) error {
	issuer := c.FormValue("idp_iss")
	if issuer == "" {
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: "no identity provider selected",
		})
	}

	sess, ok := s.loadSession(c)
	if !ok {
		return s.sessionGone(c)
	}

	step, ok := sess.Step.(*auth.SelectSectoralIdpStep)
	if !ok {
		return s.sessionGone(c)
	}

	next, err := step.RedirectToSectoralIdp(c.Request().Context(), issuer)
	switch {
	case errors.Is(err, auth.ErrInvalidSelection):
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: "unknown identity provider",
		})
	case err != nil:
		slog.Error("unable to build idp redirect", "error", err, "issuer", issuer)
		return s.renderError(c, http.StatusServiceUnavailable, oauth2.Error{
			Code:        "temporarily_unavailable",
			Description: "identity provider is currently unavailable, please try again later",
		})
	}

	sess.Step = next
	if err := s.sessions.Save(c.Request().Context(), sess); err != nil {
		return fmt.Errorf("unable to save session: %w", err)
	}

	return c.Redirect(http.StatusSeeOther, next.IdpRedirectURI())
}

// CallbackEndpoint completes the flow. The session is only consumed after
// the upstream exchange succeeded, and consuming it is the single-use gate:
// whoever removes the session issues the code, everyone else is turned away.
func (s *Server) CallbackEndpoint(c echo.Context) error {
	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		slog.Warn("sectoral idp returned error",
			"error", upstreamErr,
			"error_description", c.QueryParam("error_description"),
		)
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "access_denied",
			Description: "authentication failed, please start again",
		})
	}

	code := c.QueryParam("code")
	if code == "" {
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: "missing authorization code",
		})
	}

	sess, ok := s.loadSession(c)
	if !ok {
		return s.sessionGone(c)
	}

	step, ok := sess.Step.(*auth.TrustedSectoralIdpStep)
	if !ok {
		return s.sessionGone(c)
	}

	token, err := step.ExchangeSectoralIdpCode(c.Request().Context(), code, sess.CodeVerifier)
	if err != nil {
		slog.Error("code exchange failed", "error", err, "issuer", step.Issuer())
		return s.renderError(c, http.StatusBadRequest, oauth2.Error{
			Code:        "access_denied",
			Description: "authentication failed, please start again",
		})
	}

	removed, err := s.sessions.Remove(c.Request().Context(), sess.ID)
	if err != nil {
		return fmt.Errorf("unable to remove session: %w", err)
	}
	if removed == nil {
		// a concurrent callback won the race
		return s.sessionGone(c)
	}

	issued := s.issuer.IssueCode(removed, token)
	s.metrics.successes.Inc()

	params := url.Values{}
	params.Set("code", issued)
	params.Set("state", removed.State)
	return c.Redirect(http.StatusFound, removed.RedirectURI+"?"+params.Encode())
}

func (s *Server) loadSession(c echo.Context) (*session.Session, bool) {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	sess, err := s.sessions.Load(c.Request().Context(), cookie.Value)
	if err != nil {
		slog.Error("unable to load session", "error", err)
		return nil, false
	}
	if sess == nil {
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionGone(c echo.Context) error {
	return s.renderError(c, http.StatusBadRequest, oauth2.Error{
		Code:        "invalid_request",
		Description: sessionGoneMessage,
	})
}

func (s *Server) allowedRedirectURI(redirectURI string) bool {
	for _, allowed := range s.cfg.ValidRedirectURIs {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}

func (s *Server) supportedResponseType(responseType string) bool {
	for _, supported := range s.cfg.SupportedResponseTypes {
		if supported == responseType {
			return true
		}
	}
	return false
}

func (s *Server) federationScopes() []string {
	if s.cfg.Federation != nil && len(s.cfg.Federation.Scopes) > 0 {
		return s.cfg.Federation.Scopes
	}
	return []string{"openid"}
}

func (s *Server) renderError(c echo.Context, status int, oauthErr oauth2.Error) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(status)
	return errorTemplate.Execute(c.Response().Writer, map[string]any{
		"error": oauthErr,
	})
}

func redirectWithError(c echo.Context, redirectURI string, state string, oauthErr oauth2.Error) error {
	params := url.Values{}
	if state != "" {
		params.Add("state", state)
	}
	params.Add("error", oauthErr.Code)
	params.Add("error_description", oauthErr.Description)

	return c.Redirect(http.StatusFound, redirectURI+"?"+params.Encode())
}

func sessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/auth",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
