package oidf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/gematik/ehealthid-rp/pkg/oauth2"
	"github.com/gematik/ehealthid-rp/pkg/util"
	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"gopkg.in/yaml.v3"
)

// requested authentication level for the eHealth federation
const acrValueLoaHigh = "gematik-ehealth-loa-high"

type RelyingPartyConfig struct {
	URL                string         `yaml:"url" validate:"required,url"`
	FedMasterURL       string         `yaml:"fed_master_url" validate:"required,url"`
	FedMasterJwks      map[string]any `yaml:"fed_master_jwks" validate:"required"`
	ApiKey             string         `yaml:"api_key"`
	SignKid            string         `yaml:"sign_kid" validate:"required"`
	SignPrivateKeyPath string         `yaml:"sign_private_key_path" validate:"required"`
	EncKid             string         `yaml:"enc_kid" validate:"required"`
	EncPrivateKeyPath  string         `yaml:"enc_private_key_path" validate:"required"`
	Scopes             []string       `yaml:"scopes"`
	MetadataTemplate   map[string]any `yaml:"metadata" validate:"required"`
}

// RelyingParty is this service's identity within the federation. It signs
// the entity statement served under /.well-known/openid-federation and acts
// as the federation gateway of the authentication flow: listing sectoral
// IDPs, building their authorization redirects and exchanging authorization
// codes for verified identity tokens.
type RelyingParty struct {
	cfg             *RelyingPartyConfig
	trustAnchor     jwk.Set
	sigPrivateKey   jwk.Key
	encPrivateKey   jwk.Key
	entityStatement *EntityStatement
	federation      *Federation
	httpClient      *http.Client
}

var _ auth.FederationGateway = (*RelyingParty)(nil)

func LoadRelyingPartyConfig(path string) (*RelyingPartyConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var cfg RelyingPartyConfig
	err = yaml.Unmarshal(yamlData, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", path, err)
	}
	return &cfg, nil
}

func NewRelyingPartyFromConfigFile(ctx context.Context, path string) (*RelyingParty, error) {
	cfg, err := LoadRelyingPartyConfig(path)
	if err != nil {
		return nil, err
	}
	return NewRelyingPartyFromConfig(ctx, cfg)
}

func NewRelyingPartyFromConfig(ctx context.Context, cfg *RelyingPartyConfig) (*RelyingParty, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}

	sigPrivateKey, _, err := loadKey(cfg.SignPrivateKeyPath, cfg.SignKid, jwk.ForSignature)
	if err != nil {
		return nil, err
	}

	encPrivateKey, _, err := loadKey(cfg.EncPrivateKeyPath, cfg.EncKid, jwk.ForEncryption)
	if err != nil {
		return nil, err
	}

	return newRelyingParty(ctx, cfg, sigPrivateKey, encPrivateKey)
}

func newRelyingParty(ctx context.Context, cfg *RelyingPartyConfig, sigPrivateKey, encPrivateKey jwk.Key) (*RelyingParty, error) {
	trustAnchor, err := mapToJwks(cfg.FedMasterJwks)
	if err != nil {
		return nil, fmt.Errorf("invalid fed master jwks: %w", err)
	}

	rp := RelyingParty{
		cfg:           cfg,
		trustAnchor:   trustAnchor,
		sigPrivateKey: sigPrivateKey,
		encPrivateKey: encPrivateKey,
	}

	transport := http.DefaultTransport
	if cfg.ApiKey != "" {
		transport = util.AddHeaderTransport(transport, "X-Authorization", cfg.ApiKey)
	}
	rp.httpClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}

	metadata, err := templateToMetadata(cfg.MetadataTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metadata template: %w", err)
	}

	if metadata.OpenidRelyingParty == nil {
		return nil, fmt.Errorf("metadata template must contain openid_relying_party")
	}

	rp.entityStatement = &EntityStatement{
		Issuer:   cfg.URL,
		Subject:  cfg.URL,
		Metadata: metadata,
	}

	sigPublicKey, err := sigPrivateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing public key: %w", err)
	}
	encPublicKey, err := encPrivateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption public key: %w", err)
	}

	rp.entityStatement.Jwks = &util.Jwks{Keys: jwk.NewSet()}
	rp.entityStatement.Jwks.Keys.AddKey(sigPublicKey)

	entityJwks := jwk.NewSet()
	entityJwks.AddKey(encPublicKey)
	rp.entityStatement.Metadata.OpenidRelyingParty.Jwks = &util.Jwks{Keys: entityJwks}

	rp.federation, err = NewFederation(ctx, cfg.FedMasterURL, rp.trustAnchor, rp.httpClient)
	if err != nil {
		return nil, err
	}

	return &rp, nil
}

func (rp *RelyingParty) ClientID() string {
	return rp.cfg.URL
}

func (rp *RelyingParty) Federation() *Federation {
	return rp.federation
}

// Sign produces the relying party's signed entity statement.
func (rp *RelyingParty) Sign() ([]byte, error) {
	token, err := jwt.NewBuilder().
		Issuer(rp.cfg.URL).
		Subject(rp.cfg.URL).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour * 24)).
		Claim("jwks", rp.entityStatement.Jwks.Keys).
		Claim("authority_hints", []string{rp.cfg.FedMasterURL}).
		Claim("metadata", rp.entityStatement.Metadata).
		Build()
	if err != nil {
		return nil, err
	}

	headers := jws.NewHeaders()
	headers.Set(jws.KeyIDKey, rp.cfg.SignKid)
	headers.Set(jws.TypeKey, "entity-statement+jwt")

	signed, err := jwt.Sign(token,
		jwt.WithKey(
			jwa.ES256,
			rp.sigPrivateKey,
			jws.WithProtectedHeaders(headers),
		),
	)
	if err != nil {
		return nil, err
	}

	return signed, nil
}

// Serve answers /.well-known/openid-federation.
func (rp *RelyingParty) Serve(w http.ResponseWriter, r *http.Request) {
	signed, err := rp.Sign()
	if err != nil {
		slog.Error("unable to sign entity statement", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/entity-statement+jwt")
	w.Write(signed)
}

// ListIdpOptions implements auth.FederationGateway.
func (rp *RelyingParty) ListIdpOptions(ctx context.Context) ([]auth.IdpOption, error) {
	entries, err := rp.federation.FetchIdpList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching idp list from federation: %w", err)
	}

	options := make([]auth.IdpOption, 0, len(entries))
	for _, e := range entries {
		options = append(options, auth.IdpOption{
			Issuer:  e.Issuer,
			Name:    e.OrganizationName,
			LogoURI: e.LogoURI,
		})
	}
	return options, nil
}

// BuildRedirect implements auth.FederationGateway. When the OP requires
// pushed authorization requests the parameters go through its PAR endpoint
// and only the request_uri travels in the redirect.
func (rp *RelyingParty) BuildRedirect(ctx context.Context, issuer string, intent auth.Intent) (string, error) {
	es, err := rp.federation.FetchEntityStatement(ctx, issuer)
	if err != nil {
		return "", err
	}
	op, err := openidProviderMetadata(es, issuer)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", rp.ClientID())
	params.Set("redirect_uri", intent.CallbackURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(intent.Scopes, " "))
	params.Set("state", intent.State)
	params.Set("nonce", intent.Nonce)
	params.Set("code_challenge", intent.CodeChallenge)
	params.Set("code_challenge_method", string(oauth2.CodeChallengeMethodS256))
	params.Set("acr_values", acrValueLoaHigh)

	if op.RequirePushedAuthorizationRequests || op.PushedAuthorizationRequestEndpoint != "" {
		requestURI, err := rp.pushAuthorizationRequest(ctx, op.PushedAuthorizationRequestEndpoint, params)
		if err != nil {
			return "", err
		}
		redirect := url.Values{}
		redirect.Set("client_id", rp.ClientID())
		redirect.Set("request_uri", requestURI)
		return op.AuthorizationEndpoint + "?" + redirect.Encode(), nil
	}

	return op.AuthorizationEndpoint + "?" + params.Encode(), nil
}

type pushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

func (rp *RelyingParty) pushAuthorizationRequest(ctx context.Context, parEndpoint string, params url.Values) (string, error) {
	if parEndpoint == "" {
		return "", fmt.Errorf("op requires pushed authorization requests but exposes no endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pushed authorization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pushed authorization request rejected: %w", parseOauth2Error(resp.Body))
	}

	var parResponse pushedAuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parResponse); err != nil {
		return "", fmt.Errorf("unable to decode pushed authorization response: %w", err)
	}
	if parResponse.RequestURI == "" {
		return "", fmt.Errorf("pushed authorization response carries no request_uri")
	}

	return parResponse.RequestURI, nil
}

// ExchangeCode implements auth.FederationGateway. The ID token may arrive
// encrypted to the relying party's encryption key; it is decrypted first and
// then verified against the OP's signing keys, issuer and audience. The
// nonce claim must be present; the flow layer checks its value.
func (rp *RelyingParty) ExchangeCode(ctx context.Context, issuer, code, verifier string, intent auth.Intent) (*auth.IdentityToken, error) {
	es, err := rp.federation.FetchEntityStatement(ctx, issuer)
	if err != nil {
		return nil, err
	}
	op, err := openidProviderMetadata(es, issuer)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("client_id", rp.ClientID())
	params.Set("code", code)
	params.Set("code_verifier", verifier)
	params.Set("grant_type", "authorization_code")
	params.Set("redirect_uri", intent.CallbackURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, op.TokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oidcErr oauth2.Error
		if err := json.Unmarshal(body, &oidcErr); err != nil {
			return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
		}
		return nil, &oidcErr
	}

	var tokenResponse oauth2.TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}
	if tokenResponse.IDToken == "" {
		return nil, fmt.Errorf("token response carries no id_token")
	}

	return rp.verifyIDToken(ctx, es, op, tokenResponse.IDToken)
}

func (rp *RelyingParty) verifyIDToken(ctx context.Context, es *EntityStatement, op *OpenIDProviderMetadata, rawToken string) (*auth.IdentityToken, error) {
	// a JWE compact serialization has five parts, a JWS three
	if strings.Count(rawToken, ".") == 4 {
		decrypted, err := jwe.Decrypt([]byte(rawToken), jwe.WithKey(jwa.ECDH_ES, rp.encPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("unable to decrypt id token: %w", err)
		}
		rawToken = string(decrypted)
	}

	keySet, err := rp.openidProviderKeys(ctx, es, op)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseString(
		rawToken,
		jwt.WithKeySet(keySet),
		jwt.WithIssuer(op.Issuer),
		jwt.WithAudience(rp.ClientID()),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
		jwt.WithClock(clockWithTolerance(90*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to verify id token: %w", err)
	}

	claims, err := token.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read id token claims: %w", err)
	}

	nonce, _ := claims["nonce"].(string)

	return &auth.IdentityToken{
		Subject: token.Subject(),
		Nonce:   nonce,
		Claims:  claims,
	}, nil
}

// openidProviderKeys resolves the OP's signing keys, preferring its signed
// jwks over the keys embedded in the entity statement.
func (rp *RelyingParty) openidProviderKeys(ctx context.Context, es *EntityStatement, op *OpenIDProviderMetadata) (jwk.Set, error) {
	if es.Jwks == nil {
		return nil, fmt.Errorf("entity statement for '%s' carries no keys", op.Issuer)
	}
	if op.SignedJwksURI == "" {
		return es.Jwks.Keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.SignedJwksURI, nil)
	if err != nil {
		return nil, err
	}

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch signed jwks from '%s': %w", op.SignedJwksURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to fetch signed jwks from '%s': %s", op.SignedJwksURI, resp.Status)
	}

	token, err := jwt.ParseReader(resp.Body,
		jwt.WithKeySet(es.Jwks.Keys),
		jwt.WithClock(clockWithTolerance(90*time.Second)),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to verify signed jwks: %w", err)
	}

	keysJson, err := json.Marshal(map[string]any{"keys": token.PrivateClaims()["keys"]})
	if err != nil {
		return nil, err
	}
	keySet, err := jwk.Parse(keysJson)
	if err != nil {
		return nil, fmt.Errorf("unable to parse signed jwks: %w", err)
	}

	return keySet, nil
}

func openidProviderMetadata(es *EntityStatement, issuer string) (*OpenIDProviderMetadata, error) {
	if es.Metadata == nil || es.Metadata.OpenidProvider == nil {
		return nil, fmt.Errorf("entity statement for '%s' carries no openid provider metadata", issuer)
	}
	op := es.Metadata.OpenidProvider
	if op.Issuer == "" {
		op.Issuer = issuer
	}
	return op, nil
}

// loadKey reads a PEM private key and returns it with kid and usage set,
// alongside the matching public key.
func loadKey(privateKeyPath string, kid string, keyUsage jwk.KeyUsageType) (jwk.Key, jwk.Key, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	privateKey, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse key file %s: %w", privateKeyPath, err)
	}

	privateKey.Set(jwk.KeyIDKey, kid)
	privateKey.Set(jwk.KeyUsageKey, keyUsage)

	publicKey, err := privateKey.PublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get public key from private key: %w", err)
	}

	publicKey.Set(jwk.KeyIDKey, kid)
	publicKey.Set(jwk.KeyUsageKey, keyUsage)

	if keyUsage == jwk.ForEncryption {
		publicKey.Set(jwk.AlgorithmKey, jwa.ECDH_ES)
	} else {
		publicKey.Set(jwk.AlgorithmKey, jwa.ES256)
	}

	return privateKey, publicKey, nil
}

// converts a map containing jwks to a jwk.Set
func mapToJwks(m map[string]any) (jwk.Set, error) {
	jsonData, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	jwks, err := jwk.Parse(jsonData)
	if err != nil {
		return nil, err
	}

	return jwks, nil
}

// converts the metadata template to a Metadata object
func templateToMetadata(template map[string]any) (*Metadata, error) {
	jsonData, err := json.Marshal(template)
	if err != nil {
		return nil, err
	}

	var metadata Metadata
	err = json.Unmarshal(jsonData, &metadata)
	if err != nil {
		return nil, err
	}

	return &metadata, nil
}
