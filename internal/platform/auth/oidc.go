package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const discoveryTimeout = 10 * time.Second

// OIDCProvider holds the parts of an OpenID Connect discovery document the
// server uses. Any compliant issuer works (Keycloak, Auth0, Okta, Azure AD).
type OIDCProvider struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// NewOIDCProvider fetches <issuer>/.well-known/openid-configuration and
// requires a jwks_uri, since token verification is the only thing the
// server needs the document for.
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	url := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: discoveryTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch oidc discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery endpoint returned %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode oidc discovery document: %w", err)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery document has no jwks_uri")
	}
	return &p, nil
}

// JWKSKeyFunc returns a jwt.Keyfunc over the discovered JWKS endpoint.
// Keys are cached and refreshed on unknown kid, which covers rotation.
func (p *OIDCProvider) JWKSKeyFunc() jwt.Keyfunc {
	return jwksKeyFunc(p.JWKSURI)
}
