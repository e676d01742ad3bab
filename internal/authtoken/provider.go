// Package authtoken mints OAuth2 access tokens for remote spell servers.
//
// A [Provider] is the "access-token provider" capability the lifecycle
// manager consumes: it returns a bearer token to place on outgoing transport
// requests, refreshing lazily as tokens expire. Three grant styles are
// supported: client credentials (via golang.org/x/oauth2), a locally signed
// private_key_jwt client assertion (via golang-jwt), and a pre-signed static
// assertion.
package authtoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/grimoire-sh/grimoire/internal/spell"
)

// jwtBearerAssertionType is the client_assertion_type for JWT client
// assertions (RFC 7523).
const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// expirySkew is subtracted from a token's lifetime so we refresh slightly
// before the server-side expiry.
const expirySkew = 30 * time.Second

// assertionLifetime bounds the validity of locally signed client assertions.
const assertionLifetime = 5 * time.Minute

// Provider is the access-token capability consumed by the lifecycle manager.
type Provider interface {
	// AccessToken returns a currently valid access token, fetching or
	// refreshing one if needed.
	AccessToken(ctx context.Context) (string, error)
}

// FromAuth builds a token provider for the OAuth leg of a, expanding ${VAR}
// placeholders in secret-bearing fields. It returns (nil, nil) when a has no
// OAuth leg: a nil auth, a non-OAuth variant, or an OAuth variant with
// required fields missing (logged). The caller treats a nil provider as "no
// OAuth leg".
func FromAuth(a *spell.Auth) (Provider, error) {
	if a == nil {
		return nil, nil
	}

	switch a.Type {
	case spell.AuthClientCredentials:
		cc := a.ClientCredentials
		if cc == nil || cc.TokenURL == "" || cc.ClientID == "" || cc.ClientSecret == "" {
			slog.Warn("authtoken: client_credentials auth incomplete, skipping OAuth leg")
			return nil, nil
		}
		return newClientCredentials(cc), nil

	case spell.AuthPrivateKeyJWT:
		pk := a.PrivateKeyJWT
		if pk == nil || pk.TokenURL == "" || pk.ClientID == "" || pk.PrivateKey == "" {
			slog.Warn("authtoken: private_key_jwt auth incomplete, skipping OAuth leg")
			return nil, nil
		}
		return newPrivateKeyJWT(pk)

	case spell.AuthStaticPrivateKeyJWT:
		st := a.StaticPrivateKeyJWT
		if st == nil || st.TokenURL == "" || st.Assertion == "" {
			slog.Warn("authtoken: static_private_key_jwt auth incomplete, skipping OAuth leg")
			return nil, nil
		}
		return newStaticJWT(st), nil
	}

	return nil, nil
}

// clientCredentialsProvider wraps [clientcredentials.Config], which handles
// caching and lazy refresh internally.
type clientCredentialsProvider struct {
	source oauth2.TokenSource
}

func newClientCredentials(cc *spell.ClientCredentialsAuth) *clientCredentialsProvider {
	cfg := &clientcredentials.Config{
		ClientID:     spell.ExpandEnv(cc.ClientID),
		ClientSecret: spell.ExpandEnv(cc.ClientSecret),
		TokenURL:     spell.ExpandEnv(cc.TokenURL),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if cc.Scope != "" {
		cfg.Scopes = strings.Fields(cc.Scope)
	}
	return &clientCredentialsProvider{source: cfg.TokenSource(context.Background())}
}

// AccessToken implements [Provider].
func (p *clientCredentialsProvider) AccessToken(ctx context.Context) (string, error) {
	// The x/oauth2 token source caches and refreshes under the hood; ctx
	// does not flow into it, which is an accepted limitation of the library.
	tok, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("authtoken: client credentials token: %w", err)
	}
	return tok.AccessToken, nil
}

// assertionProvider posts a JWT client assertion to a token endpoint and
// caches the returned access token until shortly before expiry. The
// assertion itself is produced by sign: freshly signed for private_key_jwt,
// constant for the static variant.
type assertionProvider struct {
	tokenURL string
	scope    string
	sign     func() (string, error)

	mu      sync.Mutex
	token   string
	expires time.Time
}

// AccessToken implements [Provider].
func (p *assertionProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expires) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	assertion, err := p.sign()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {jwtBearerAssertionType},
		"client_assertion":      {assertion},
	}
	if p.scope != "" {
		form.Set("scope", p.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("authtoken: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authtoken: token request to %s: %w", p.tokenURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("authtoken: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authtoken: token endpoint %s returned %s: %s",
			p.tokenURL, resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("authtoken: decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("authtoken: token endpoint %s returned no access_token", p.tokenURL)
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	p.mu.Lock()
	p.token = parsed.AccessToken
	if lifetime > expirySkew {
		p.expires = time.Now().Add(lifetime - expirySkew)
	} else {
		p.expires = time.Time{} // effectively uncached
	}
	p.mu.Unlock()

	return parsed.AccessToken, nil
}

func newPrivateKeyJWT(pk *spell.PrivateKeyJWTAuth) (*assertionProvider, error) {
	keyPEM := spell.ExpandEnv(pk.PrivateKey)
	clientID := spell.ExpandEnv(pk.ClientID)
	tokenURL := spell.ExpandEnv(pk.TokenURL)

	alg := strings.ToUpper(pk.Algorithm)
	if alg == "" {
		alg = "RS256"
	}

	var (
		method jwt.SigningMethod
		key    any
		err    error
	)
	switch alg {
	case "RS256", "RS384", "RS512":
		method = jwt.GetSigningMethod(alg)
		key, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	case "ES256", "ES384", "ES512":
		method = jwt.GetSigningMethod(alg)
		key, err = jwt.ParseECPrivateKeyFromPEM([]byte(keyPEM))
	default:
		return nil, fmt.Errorf("authtoken: unsupported assertion algorithm %q", pk.Algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("authtoken: parse private key: %w", err)
	}

	sign := func() (string, error) {
		now := time.Now()
		claims := jwt.MapClaims{
			"iss": clientID,
			"sub": clientID,
			"aud": tokenURL,
			"iat": now.Unix(),
			"exp": now.Add(assertionLifetime).Unix(),
			"jti": randomJTI(),
		}
		signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			return "", fmt.Errorf("authtoken: sign client assertion: %w", err)
		}
		return signed, nil
	}

	return &assertionProvider{tokenURL: tokenURL, scope: pk.Scope, sign: sign}, nil
}

func newStaticJWT(st *spell.StaticJWTAuth) *assertionProvider {
	assertion := spell.ExpandEnv(st.Assertion)
	return &assertionProvider{
		tokenURL: spell.ExpandEnv(st.TokenURL),
		scope:    st.Scope,
		sign:     func() (string, error) { return assertion, nil },
	}
}

// randomJTI returns a 16-byte random hex string for the jti claim.
func randomJTI() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived value; jti only needs uniqueness.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}
