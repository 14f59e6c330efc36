package oidf

import (
	"encoding/json"
	"fmt"

	"github.com/gematik/ehealthid-rp/pkg/util"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type UserType string

const (
	UserTypeIP  UserType = "IP"  // Insured Person
	UserTypeHP  UserType = "HP"  // Health Professional
	UserTypeHCI UserType = "HCI" // Health Care Institution
)

type EntityStatement struct {
	ExpiresAt      int64      `json:"exp"`
	IssuedAt       int64      `json:"iat"`
	Issuer         string     `json:"iss"`
	Subject        string     `json:"sub"`
	AuthorityHints []string   `json:"authority_hints,omitempty"`
	Jwks           *util.Jwks `json:"jwks"`
	Metadata       *Metadata  `json:"metadata"`
}

type Metadata struct {
	OpenidRelyingParty *OpenIDRelyingPartyMetadata `json:"openid_relying_party,omitempty"`
	OpenidProvider     *OpenIDProviderMetadata     `json:"openid_provider,omitempty"`
	FederationEntity   *FederationEntityMetadata   `json:"federation_entity,omitempty"`
}

type OpenIDProviderMetadata struct {
	Issuer                             string     `json:"issuer"`
	OrganizationName                   string     `json:"organization_name"`
	LogoURI                            string     `json:"logo_uri"`
	AuthorizationEndpoint              string     `json:"authorization_endpoint"`
	TokenEndpoint                      string     `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string     `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests bool       `json:"require_pushed_authorization_requests"`
	SignedJwksURI                      string     `json:"signed_jwks_uri"`
	ScopesSupported                    []string   `json:"scopes_supported"`
	ResponseTypesSupported             []string   `json:"response_types_supported"`
	GrantTypesSupported                []string   `json:"grant_types_supported"`
	IDTokenSigningAlgValuesSupported   []string   `json:"id_token_signing_alg_values_supported"`
	UserTypeSupported                  []UserType `json:"user_type_supported"`
}

type OpenIDRelyingPartyMetadata struct {
	SignedJwksURI               string     `json:"signed_jwks_uri,omitempty"`
	Jwks                        *util.Jwks `json:"jwks,omitempty"`
	OrganizationName            string     `json:"organization_name"`
	ClientName                  string     `json:"client_name"`
	LogoURI                     string     `json:"logo_uri"`
	RedirectURIs                []string   `json:"redirect_uris"`
	ResponseTypes               []string   `json:"response_types"`
	ClientRegistrationTypes     []string   `json:"client_registration_types"`
	GrantTypes                  []string   `json:"grant_types"`
	TokenEndpointAuthMethod     string     `json:"token_endpoint_auth_method"`
	DefaultACRValues            []string   `json:"default_acr_values"`
	IDTokenSignedResponseAlg    string     `json:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg string     `json:"id_token_encrypted_response_alg"`
	IDTokenEncryptedResponseEnc string     `json:"id_token_encrypted_response_enc"`
	Scope                       string     `json:"scope"`
}

type FederationEntityMetadata struct {
	Name                    string   `json:"name,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	HomepageURI             string   `json:"homepage_uri,omitempty"`
	FederationFetchEndpoint string   `json:"federation_fetch_endpoint,omitempty"`
	FederationListEndpoint  string   `json:"federation_list_endpoint,omitempty"`
	IdpListEndpoint         string   `json:"idp_list_endpoint,omitempty"`
}

// IdentityProviderEntry is one entry of the federation master's idp_entity
// list.
type IdentityProviderEntry struct {
	Issuer           string   `json:"iss"`
	LogoURI          string   `json:"logo_uri"`
	OrganizationName string   `json:"organization_name"`
	IsPkv            bool     `json:"pkv"`
	UserType         UserType `json:"user_type_supported"`
}

func tokenToEntityStatement(token jwt.Token) (*EntityStatement, error) {
	tokenJson, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal token: %w", err)
	}
	var es EntityStatement
	err = json.Unmarshal(tokenJson, &es)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal entity statement: %w", err)
	}
	return &es, nil
}
