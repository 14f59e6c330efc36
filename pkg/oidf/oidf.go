// Package oidf implements the OpenID Federation side of the relying party:
// discovery and verification of sectoral identity providers through the
// federation master, the signed relying party entity statement, and the
// authorization code exchange with a chosen IDP.
package oidf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Federation talks to one federation master. All statements are verified
// against the configured trust anchor before use.
type Federation struct {
	fedMasterURL string
	jwks         jwk.Set
	entity       *FederationEntityMetadata
	httpClient   *http.Client
}

func clockWithTolerance(tolerance time.Duration) jwt.ClockFunc {
	return func() time.Time {
		return time.Now().Add(tolerance)
	}
}

// NewFederation fetches and verifies the master entity statement with the
// trust anchor jwks. The master must expose federation entity metadata.
func NewFederation(ctx context.Context, fedMasterURL string, jwks jwk.Set, httpClient *http.Client) (*Federation, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	es, err := fetchMasterEntityStatement(ctx, fedMasterURL, jwks, httpClient)
	if err != nil {
		return nil, err
	}

	if es.Metadata == nil || es.Metadata.FederationEntity == nil {
		return nil, fmt.Errorf("no federation entity found in master entity statement")
	}

	return &Federation{
		fedMasterURL: fedMasterURL,
		jwks:         jwks,
		entity:       es.Metadata.FederationEntity,
		httpClient:   httpClient,
	}, nil
}

func (f *Federation) MasterURL() string {
	return f.fedMasterURL
}

// FetchIdpList fetches the signed list of sectoral IDPs from the master.
func (f *Federation) FetchIdpList(ctx context.Context) ([]IdentityProviderEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.entity.IdpListEndpoint, nil)
	if err != nil {
		return nil, err
	}

	r, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch idp list from '%s': %w", f.entity.IdpListEndpoint, err)
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to fetch idp list from '%s': %s", f.entity.IdpListEndpoint, r.Status)
	}

	token, err := jwt.ParseReader(r.Body, jwt.WithKeySet(f.jwks), jwt.WithClock(clockWithTolerance(90*time.Second)))
	if err != nil {
		return nil, fmt.Errorf("unable to verify idp list: %w", err)
	}

	return idpEntityToEntries(token.PrivateClaims()["idp_entity"])
}

// FetchEntityStatement fetches and verifies the entity statement of the
// given issuer. The statement issued by the federation master establishes
// the issuer's keys first, then the issuer's self-signed statement is
// verified with those keys.
func (f *Federation) FetchEntityStatement(ctx context.Context, iss string) (*EntityStatement, error) {
	query := url.Values{}
	query.Add("iss", f.fedMasterURL)
	query.Add("sub", iss)

	fetchURL := f.entity.FederationFetchEndpoint + "?" + query.Encode()

	fromMaster, err := f.fetchAndVerify(ctx, fetchURL, f.jwks)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch entity statement from '%s': %w", fetchURL, err)
	}

	if fromMaster.Jwks == nil {
		return nil, fmt.Errorf("entity statement for '%s' carries no keys", iss)
	}

	selfSigned, err := f.fetchAndVerify(ctx, iss+"/.well-known/openid-federation", fromMaster.Jwks.Keys)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch entity statement from '%s': %w", iss, err)
	}

	return selfSigned, nil
}

func (f *Federation) fetchAndVerify(ctx context.Context, url string, jwks jwk.Set) (*EntityStatement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseOauth2Error(resp.Body)
	}

	verified, err := jwt.ParseReader(resp.Body, jwt.WithKeySet(jwks), jwt.WithClock(clockWithTolerance(90*time.Second)))
	if err != nil {
		return nil, err
	}

	return tokenToEntityStatement(verified)
}

func fetchMasterEntityStatement(ctx context.Context, fedMasterURL string, jwks jwk.Set, httpClient *http.Client) (*EntityStatement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fedMasterURL+"/.well-known/openid-federation", nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unable to fetch entity statement from '%s': %s: %s", fedMasterURL, resp.Status, string(body))
	}

	token, err := jwt.ParseReader(resp.Body, jwt.WithKeySet(jwks), jwt.WithClock(clockWithTolerance(90*time.Second)))
	if err != nil {
		return nil, err
	}

	return tokenToEntityStatement(token)
}

// converts the idp_entity claim to the typed list
func idpEntityToEntries(idpEntity any) ([]IdentityProviderEntry, error) {
	jsonData, err := json.Marshal(idpEntity)
	if err != nil {
		return nil, err
	}

	var entries []IdentityProviderEntry
	err = json.Unmarshal(jsonData, &entries)
	if err != nil {
		return nil, err
	}

	return entries, nil
}
