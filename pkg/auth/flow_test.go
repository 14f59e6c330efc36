package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	options      []IdpOption
	listErr      error
	redirectErr  error
	exchangeErr  error
	token        *IdentityToken
	listCalls    int
	redirects    []string
	exchanged    []string
	lastVerifier string
}

func (g *stubGateway) ListIdpOptions(ctx context.Context) ([]IdpOption, error) {
	g.listCalls++
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.options, nil
}

func (g *stubGateway) BuildRedirect(ctx context.Context, issuer string, intent Intent) (string, error) {
	if g.redirectErr != nil {
		return "", g.redirectErr
	}
	g.redirects = append(g.redirects, issuer)
	return issuer + "/authorize?state=" + intent.State, nil
}

func (g *stubGateway) ExchangeCode(ctx context.Context, issuer, code, verifier string, intent Intent) (*IdentityToken, error) {
	if g.exchangeErr != nil {
		return nil, g.exchangeErr
	}
	g.exchanged = append(g.exchanged, code)
	g.lastVerifier = verifier
	if g.token != nil {
		return g.token, nil
	}
	return &IdentityToken{Subject: "sub-1", Nonce: intent.Nonce}, nil
}

func testIntent() Intent {
	return Intent{
		State:         "s1",
		Nonce:         "n1",
		CallbackURI:   "https://rp.example/auth/callback",
		CodeChallenge: "challenge",
		Scopes:        []string{"openid"},
	}
}

func TestFlowHappyPath(t *testing.T) {
	gw := &stubGateway{options: []IdpOption{
		{Issuer: "https://idp-b.example", Name: "IDP B"},
		{Issuer: "https://idp-a.example", Name: "IDP A"},
	}}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)

	options, err := step1.FetchIdpOptions(context.Background())
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.Equal(t, "IDP A", options[0].Name, "options are ordered by name")

	step2, err := step1.RedirectToSectoralIdp(context.Background(), "https://idp-a.example")
	require.NoError(t, err)
	assert.Contains(t, step2.IdpRedirectURI(), "https://idp-a.example/authorize")
	assert.Equal(t, "https://idp-a.example", step2.Issuer())

	token, err := step2.ExchangeSectoralIdpCode(context.Background(), "code-123", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", token.Subject)
	assert.Equal(t, "verifier-1", gw.lastVerifier)
}

func TestStartRequiresIntent(t *testing.T) {
	flow := NewFlow(&stubGateway{})

	for name, intent := range map[string]Intent{
		"missing nonce":     {State: "s", CallbackURI: "https://rp/cb", CodeChallenge: "c"},
		"missing state":     {Nonce: "n", CallbackURI: "https://rp/cb", CodeChallenge: "c"},
		"missing callback":  {State: "s", Nonce: "n", CodeChallenge: "c"},
		"missing challenge": {State: "s", Nonce: "n", CallbackURI: "https://rp/cb"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := flow.Start(intent)
			assert.Error(t, err)
		})
	}
}

func TestFetchIdpOptionsEmptyListIsValid(t *testing.T) {
	flow := NewFlow(&stubGateway{options: []IdpOption{}})

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)

	options, err := step1.FetchIdpOptions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, options)
}

func TestFetchIdpOptionsFederationUnavailable(t *testing.T) {
	flow := NewFlow(&stubGateway{listErr: errors.New("connection refused")})

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)

	_, err = step1.FetchIdpOptions(context.Background())
	assert.ErrorIs(t, err, ErrFederationUnavailable)
}

func TestRedirectToSectoralIdpRejectsUnknownIssuer(t *testing.T) {
	gw := &stubGateway{options: []IdpOption{{Issuer: "https://idp-a.example", Name: "IDP A"}}}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)
	_, err = step1.FetchIdpOptions(context.Background())
	require.NoError(t, err)

	_, err = step1.RedirectToSectoralIdp(context.Background(), "https://evil.example")
	assert.ErrorIs(t, err, ErrInvalidSelection)
	assert.Empty(t, gw.redirects, "no redirect is built for a rejected selection")
}

func TestRedirectToSectoralIdpFetchesWhenNotYetOffered(t *testing.T) {
	gw := &stubGateway{options: []IdpOption{{Issuer: "https://idp-a.example", Name: "IDP A"}}}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)

	// selection without a prior FetchIdpOptions validates against a fresh list
	_, err = step1.RedirectToSectoralIdp(context.Background(), "https://idp-a.example")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.listCalls)
}

func TestExchangeRejectsNonceMismatch(t *testing.T) {
	gw := &stubGateway{
		options: []IdpOption{{Issuer: "https://idp-a.example", Name: "IDP A"}},
		token:   &IdentityToken{Subject: "sub-1", Nonce: "other-nonce"},
	}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)
	step2, err := step1.RedirectToSectoralIdp(context.Background(), "https://idp-a.example")
	require.NoError(t, err)

	_, err = step2.ExchangeSectoralIdpCode(context.Background(), "code-123", "verifier-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestExchangeUpstreamError(t *testing.T) {
	gw := &stubGateway{
		options:     []IdpOption{{Issuer: "https://idp-a.example", Name: "IDP A"}},
		exchangeErr: errors.New("invalid_grant"),
	}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)
	step2, err := step1.RedirectToSectoralIdp(context.Background(), "https://idp-a.example")
	require.NoError(t, err)

	_, err = step2.ExchangeSectoralIdpCode(context.Background(), "code-123", "verifier-1")
	assert.ErrorIs(t, err, ErrUpstreamExchange)
}

func TestStepRoundTrip(t *testing.T) {
	gw := &stubGateway{options: []IdpOption{{Issuer: "https://idp-a.example", Name: "IDP A"}}}
	flow := NewFlow(gw)

	step1, err := flow.Start(testIntent())
	require.NoError(t, err)
	_, err = step1.FetchIdpOptions(context.Background())
	require.NoError(t, err)

	data, err := MarshalStep(step1)
	require.NoError(t, err)

	restored, err := flow.UnmarshalStep(data)
	require.NoError(t, err)

	restoredSelect, ok := restored.(*SelectSectoralIdpStep)
	require.True(t, ok)

	// the restored step still validates selections against the offered list
	_, err = restoredSelect.RedirectToSectoralIdp(context.Background(), "https://evil.example")
	assert.ErrorIs(t, err, ErrInvalidSelection)

	step2, err := restoredSelect.RedirectToSectoralIdp(context.Background(), "https://idp-a.example")
	require.NoError(t, err)

	data, err = MarshalStep(step2)
	require.NoError(t, err)
	restored, err = flow.UnmarshalStep(data)
	require.NoError(t, err)

	restoredTrusted, ok := restored.(*TrustedSectoralIdpStep)
	require.True(t, ok)
	assert.Equal(t, step2.IdpRedirectURI(), restoredTrusted.IdpRedirectURI())
}
