// Package auth implements the federated authentication flow of the relying
// party as a typed sequence of steps. A flow starts with the intent of the
// original client, offers the list of sectoral identity providers discovered
// via the federation, redirects to the chosen one and finally exchanges the
// returned authorization code for a verified identity token. Each step only
// exposes the operations that are legal at that stage; the next step can only
// be obtained from the previous one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrFederationUnavailable signals that federation metadata could not be
	// fetched or verified. Fatal for the current request, the user may retry.
	ErrFederationUnavailable = errors.New("federation unavailable")
	// ErrInvalidSelection signals a chosen identity provider that was not
	// among the previously offered options.
	ErrInvalidSelection = errors.New("identity provider not among offered options")
	// ErrUpstreamExchange signals that the sectoral IDP rejected the code
	// exchange.
	ErrUpstreamExchange = errors.New("upstream code exchange failed")
	// ErrTokenInvalid signals that the identity token failed verification,
	// including a nonce that does not match the session.
	ErrTokenInvalid = errors.New("identity token invalid")
)

// IdpOption is one selectable sectoral identity provider.
type IdpOption struct {
	Issuer  string `json:"iss"`
	Name    string `json:"name"`
	LogoURI string `json:"logo_uri,omitempty"`
}

// IdentityToken is the verified result of the code exchange with the
// sectoral IDP. Signature, issuer, audience and expiry have already been
// checked by the gateway; the nonce binding is checked by the flow.
type IdentityToken struct {
	Subject string         `json:"sub"`
	Nonce   string         `json:"nonce"`
	Claims  map[string]any `json:"claims"`
}

// Intent is what the original client asked the relying party to do,
// fixed once at the start of a flow.
type Intent struct {
	State         string   `json:"state"`
	Nonce         string   `json:"nonce"`
	CallbackURI   string   `json:"callback_uri"`
	CodeChallenge string   `json:"code_challenge"`
	Scopes        []string `json:"scopes"`
}

// FederationGateway is the boundary towards OpenID federation discovery and
// the sectoral IDPs. Implementations must verify trust chains and token
// signatures; all calls must honor the context deadline.
type FederationGateway interface {
	ListIdpOptions(ctx context.Context) ([]IdpOption, error)
	BuildRedirect(ctx context.Context, issuer string, intent Intent) (string, error)
	ExchangeCode(ctx context.Context, issuer, code, verifier string, intent Intent) (*IdentityToken, error)
}

// Flow creates and resumes authentication flows against one federation.
type Flow struct {
	gateway FederationGateway
}

func NewFlow(gateway FederationGateway) *Flow {
	return &Flow{gateway: gateway}
}

// Start registers the client's intent and returns the first step.
func (f *Flow) Start(intent Intent) (*SelectSectoralIdpStep, error) {
	if intent.Nonce == "" || intent.State == "" {
		return nil, fmt.Errorf("intent must carry state and nonce")
	}
	if intent.CallbackURI == "" {
		return nil, fmt.Errorf("intent must carry the relying party callback uri")
	}
	if intent.CodeChallenge == "" {
		return nil, fmt.Errorf("intent must carry the PKCE code challenge")
	}

	return &SelectSectoralIdpStep{flow: f, intent: intent}, nil
}

// Step is the closed set of flow steps a session can be at. Only
// SelectSectoralIdpStep and TrustedSectoralIdpStep implement it; a consumed
// flow has no step, the session is gone.
type Step interface {
	step()
}

// SelectSectoralIdpStep offers the federation's identity providers and
// advances once the user picked one.
type SelectSectoralIdpStep struct {
	flow    *Flow
	intent  Intent
	options []IdpOption
}

func (s *SelectSectoralIdpStep) step() {}

// FetchIdpOptions lists the eligible sectoral IDPs, ordered by display name.
// An empty list is a valid outcome. The result is remembered so that a later
// selection can be validated against what was actually offered.
func (s *SelectSectoralIdpStep) FetchIdpOptions(ctx context.Context) ([]IdpOption, error) {
	options, err := s.flow.gateway.ListIdpOptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFederationUnavailable, err)
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Name < options[j].Name })
	s.options = options
	return options, nil
}

// RedirectToSectoralIdp validates the user's choice against the offered
// options and returns the next step carrying the IDP redirect target. The
// current step stays valid, a failed selection can simply be retried.
func (s *SelectSectoralIdpStep) RedirectToSectoralIdp(ctx context.Context, issuer string) (*TrustedSectoralIdpStep, error) {
	if s.options == nil {
		if _, err := s.FetchIdpOptions(ctx); err != nil {
			return nil, err
		}
	}

	if !s.offered(issuer) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSelection, issuer)
	}

	redirectURI, err := s.flow.gateway.BuildRedirect(ctx, issuer, s.intent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFederationUnavailable, err)
	}

	return &TrustedSectoralIdpStep{
		flow:        s.flow,
		intent:      s.intent,
		issuer:      issuer,
		redirectURI: redirectURI,
	}, nil
}

func (s *SelectSectoralIdpStep) offered(issuer string) bool {
	for _, o := range s.options {
		if o.Issuer == issuer {
			return true
		}
	}
	return false
}

// TrustedSectoralIdpStep holds the context to complete the flow with the
// chosen, federation-vetted IDP.
type TrustedSectoralIdpStep struct {
	flow        *Flow
	intent      Intent
	issuer      string
	redirectURI string
}

func (s *TrustedSectoralIdpStep) step() {}

// IdpRedirectURI is the authorization URL of the chosen sectoral IDP.
func (s *TrustedSectoralIdpStep) IdpRedirectURI() string {
	return s.redirectURI
}

// Issuer is the chosen sectoral IDP.
func (s *TrustedSectoralIdpStep) Issuer() string {
	return s.issuer
}

// ExchangeSectoralIdpCode exchanges the authorization code returned by the
// sectoral IDP, presenting the PKCE verifier generated at the start of the
// flow. The verified token's nonce must match the nonce of the intent; a
// mismatch invalidates the token even if every other check passed.
func (s *TrustedSectoralIdpStep) ExchangeSectoralIdpCode(ctx context.Context, code, verifier string) (*IdentityToken, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrUpstreamExchange)
	}
	if verifier == "" {
		return nil, fmt.Errorf("%w: missing code verifier", ErrUpstreamExchange)
	}

	token, err := s.flow.gateway.ExchangeCode(ctx, s.issuer, code, verifier, s.intent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamExchange, err)
	}

	if token.Nonce == "" || token.Nonce != s.intent.Nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTokenInvalid)
	}

	return token, nil
}
