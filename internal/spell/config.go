// Package spell defines the configuration schema for Grimoire spells.
//
// A spell is a declared downstream MCP tool server: a YAML document in the
// watched spell directory describing how to reach the server (a locally
// spawned stdio child or a remote SSE / streamable-HTTP endpoint), how to
// authenticate against it, and how the intent resolver should match queries
// to it (description + keywords).
//
// Server and auth configuration are tagged unions: exactly one variant is
// populated per config, selected by the `type` field in the YAML document.
package spell

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TransportKind selects the connection mechanism for a spell's server.
type TransportKind string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportSSE communicates via HTTP Server-Sent Events (streaming).
	TransportSSE TransportKind = "sse"

	// TransportHTTP communicates via the MCP Streamable HTTP protocol.
	TransportHTTP TransportKind = "http"
)

// IsValid reports whether t is a recognised transport.
func (t TransportKind) IsValid() bool {
	return t == TransportStdio || t == TransportSSE || t == TransportHTTP
}

// AuthType selects the authentication scheme for a remote spell server.
type AuthType string

const (
	AuthNone                AuthType = "none"
	AuthBearer              AuthType = "bearer"
	AuthBasic               AuthType = "basic"
	AuthClientCredentials   AuthType = "client_credentials"
	AuthPrivateKeyJWT       AuthType = "private_key_jwt"
	AuthStaticPrivateKeyJWT AuthType = "static_private_key_jwt"
	AuthOAuth2              AuthType = "oauth2"
)

// IsValid reports whether a is a recognised auth type.
func (a AuthType) IsValid() bool {
	switch a {
	case AuthNone, AuthBearer, AuthBasic, AuthClientCredentials,
		AuthPrivateKeyJWT, AuthStaticPrivateKeyJWT, AuthOAuth2:
		return true
	}
	return false
}

// StdioServer describes a locally spawned child process speaking MCP over
// stdin/stdout.
type StdioServer struct {
	// Command is the executable to spawn.
	Command string `yaml:"command"`

	// Args are the arguments passed to the executable.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the child
	// process. Values may contain ${VAR} placeholders.
	Env map[string]string `yaml:"env"`
}

// RemoteServer describes an MCP server reachable over the network, either via
// SSE or streamable HTTP.
type RemoteServer struct {
	// Kind is either TransportSSE or TransportHTTP.
	Kind TransportKind

	// URL is the endpoint address, e.g. "https://tools.example.com/mcp".
	URL string `yaml:"url"`

	// Headers are extra request headers. Values may contain ${VAR}
	// placeholders; they are expanded at activation time.
	Headers map[string]string `yaml:"headers"`
}

// ServerConfig is a tagged union over the two ways a spell server can be
// reached. Exactly one of Stdio and Remote is non-nil.
type ServerConfig struct {
	Stdio  *StdioServer
	Remote *RemoteServer
}

// Kind returns the transport kind of the populated variant.
func (s ServerConfig) Kind() TransportKind {
	if s.Stdio != nil {
		return TransportStdio
	}
	if s.Remote != nil {
		return s.Remote.Kind
	}
	return ""
}

// rawServer is the flat YAML shape before variant dispatch.
type rawServer struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// UnmarshalYAML decodes the flat YAML document and dispatches on the `type`
// field into the appropriate variant.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawServer
	if err := value.Decode(&raw); err != nil {
		return err
	}

	kind := TransportKind(strings.ToLower(strings.TrimSpace(raw.Type)))
	switch kind {
	case TransportStdio:
		s.Stdio = &StdioServer{Command: raw.Command, Args: raw.Args, Env: raw.Env}
		s.Remote = nil
	case TransportSSE, TransportHTTP:
		s.Remote = &RemoteServer{Kind: kind, URL: raw.URL, Headers: raw.Headers}
		s.Stdio = nil
	default:
		return fmt.Errorf("spell: unknown server type %q (want stdio, sse or http)", raw.Type)
	}
	return nil
}

// MarshalYAML re-encodes the union as the flat YAML shape.
func (s ServerConfig) MarshalYAML() (any, error) {
	switch {
	case s.Stdio != nil:
		return rawServer{
			Type:    string(TransportStdio),
			Command: s.Stdio.Command,
			Args:    s.Stdio.Args,
			Env:     s.Stdio.Env,
		}, nil
	case s.Remote != nil:
		return rawServer{
			Type:    string(s.Remote.Kind),
			URL:     s.Remote.URL,
			Headers: s.Remote.Headers,
		}, nil
	}
	return nil, fmt.Errorf("spell: server config has no variant set")
}

// BearerAuth carries a static bearer token. The token may contain ${VAR}
// placeholders.
type BearerAuth struct {
	Token string `yaml:"token"`
}

// BasicAuth carries username/password credentials. Both fields may contain
// ${VAR} placeholders.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientCredentialsAuth configures the OAuth2 client-credentials grant.
type ClientCredentialsAuth struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// PrivateKeyJWTAuth configures the OAuth2 client-credentials grant with a
// private_key_jwt client assertion signed locally.
type PrivateKeyJWTAuth struct {
	TokenURL   string `yaml:"token_url"`
	ClientID   string `yaml:"client_id"`
	PrivateKey string `yaml:"private_key"` // PEM; may contain ${VAR}
	Algorithm  string `yaml:"algorithm"`   // RS256 (default) or ES256
	Scope      string `yaml:"scope"`
}

// StaticJWTAuth configures the client-assertion grant with a pre-signed
// assertion supplied verbatim.
type StaticJWTAuth struct {
	TokenURL  string `yaml:"token_url"`
	Assertion string `yaml:"assertion"` // may contain ${VAR}
	Scope     string `yaml:"scope"`
}

// OAuth2Auth describes a generic three-legged OAuth2 configuration. Grimoire
// accepts it for forward compatibility but cannot mint tokens for it without
// user interaction, so activation proceeds without an OAuth leg.
type OAuth2Auth struct {
	AuthorizationURL string   `yaml:"authorization_url"`
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	Scopes           []string `yaml:"scopes"`
}

// Auth is a tagged union over the supported authentication schemes. At most
// one variant pointer is non-nil; Type records which one. AuthNone has no
// variant payload.
type Auth struct {
	Type                AuthType
	Bearer              *BearerAuth
	Basic               *BasicAuth
	ClientCredentials   *ClientCredentialsAuth
	PrivateKeyJWT       *PrivateKeyJWTAuth
	StaticPrivateKeyJWT *StaticJWTAuth
	OAuth2              *OAuth2Auth
}

// rawAuth is the flat YAML shape before variant dispatch.
type rawAuth struct {
	Type             string   `yaml:"type"`
	Token            string   `yaml:"token"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	Scope            string   `yaml:"scope"`
	PrivateKey       string   `yaml:"private_key"`
	Algorithm        string   `yaml:"algorithm"`
	Assertion        string   `yaml:"assertion"`
	AuthorizationURL string   `yaml:"authorization_url"`
	Scopes           []string `yaml:"scopes"`
}

// UnmarshalYAML decodes the flat YAML document and dispatches on the `type`
// field into the appropriate variant.
func (a *Auth) UnmarshalYAML(value *yaml.Node) error {
	var raw rawAuth
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*a = Auth{Type: AuthType(strings.ToLower(strings.TrimSpace(raw.Type)))}
	switch a.Type {
	case AuthNone, "":
		a.Type = AuthNone
	case AuthBearer:
		a.Bearer = &BearerAuth{Token: raw.Token}
	case AuthBasic:
		a.Basic = &BasicAuth{Username: raw.Username, Password: raw.Password}
	case AuthClientCredentials:
		a.ClientCredentials = &ClientCredentialsAuth{
			TokenURL:     raw.TokenURL,
			ClientID:     raw.ClientID,
			ClientSecret: raw.ClientSecret,
			Scope:        raw.Scope,
		}
	case AuthPrivateKeyJWT:
		a.PrivateKeyJWT = &PrivateKeyJWTAuth{
			TokenURL:   raw.TokenURL,
			ClientID:   raw.ClientID,
			PrivateKey: raw.PrivateKey,
			Algorithm:  raw.Algorithm,
			Scope:      raw.Scope,
		}
	case AuthStaticPrivateKeyJWT:
		a.StaticPrivateKeyJWT = &StaticJWTAuth{
			TokenURL:  raw.TokenURL,
			Assertion: raw.Assertion,
			Scope:     raw.Scope,
		}
	case AuthOAuth2:
		a.OAuth2 = &OAuth2Auth{
			AuthorizationURL: raw.AuthorizationURL,
			TokenURL:         raw.TokenURL,
			ClientID:         raw.ClientID,
			ClientSecret:     raw.ClientSecret,
			Scopes:           raw.Scopes,
		}
	default:
		return fmt.Errorf("spell: unknown auth type %q", raw.Type)
	}
	return nil
}

// Config is a single parsed spell declaration. It is immutable once loaded;
// file changes produce a fresh Config via the watcher's reload path.
type Config struct {
	// Name uniquely identifies the spell across the spell directory.
	// Lowercase alphanumerics and hyphens.
	Name string `yaml:"name" validate:"required,spellname"`

	// Version is a semver triple, e.g. "1.2.0".
	Version string `yaml:"version" validate:"required,semvertriple"`

	// Description is human text used for semantic matching. At least 10 chars.
	Description string `yaml:"description" validate:"required,min=10"`

	// Keywords are 3–20 lowercased tokens used for keyword matching.
	Keywords []string `yaml:"keywords" validate:"required,min=3,max=20,dive,required"`

	// Server describes how to reach the spell's MCP server.
	Server ServerConfig `yaml:"server"`

	// Auth optionally describes how to authenticate against a remote server.
	Auth *Auth `yaml:"auth"`

	// Steering is optional expert guidance (≤ 5000 chars) appended to each
	// tool description after activation.
	Steering string `yaml:"steering" validate:"max=5000"`
}

// validate is the shared validator instance with Grimoire's custom rules
// registered. go-playground/validator caches struct metadata internally, so a
// single instance is the cheap path.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// spellname: lowercase alphanumerics with single hyphen separators.
	_ = v.RegisterValidation("spellname", func(fl validator.FieldLevel) bool {
		return isSpellName(fl.Field().String())
	})

	// semvertriple: three dot-separated non-empty numeric components.
	_ = v.RegisterValidation("semvertriple", func(fl validator.FieldLevel) bool {
		return isSemverTriple(fl.Field().String())
	})

	return v
}

func isSpellName(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, "-") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
				return false
			}
		}
	}
	return true
}

func isSemverTriple(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// Validate checks the config against the schema rules and the tagged-union
// completeness requirements. Returns a descriptive error on the first
// violation found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("spell %q: %w", c.Name, err)
	}

	switch {
	case c.Server.Stdio != nil:
		if strings.TrimSpace(c.Server.Stdio.Command) == "" {
			return fmt.Errorf("spell %q: stdio server requires a non-empty command", c.Name)
		}
	case c.Server.Remote != nil:
		if strings.TrimSpace(c.Server.Remote.URL) == "" {
			return fmt.Errorf("spell %q: %s server requires a non-empty url", c.Name, c.Server.Remote.Kind)
		}
	default:
		return fmt.Errorf("spell %q: server section is required", c.Name)
	}

	if c.Auth != nil {
		if err := c.validateAuth(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	a := c.Auth
	switch a.Type {
	case AuthNone:
	case AuthBearer:
		if a.Bearer == nil {
			return fmt.Errorf("spell %q: bearer auth missing payload", c.Name)
		}
	case AuthBasic:
		if a.Basic == nil {
			return fmt.Errorf("spell %q: basic auth missing payload", c.Name)
		}
	case AuthClientCredentials:
		if a.ClientCredentials == nil || a.ClientCredentials.TokenURL == "" {
			return fmt.Errorf("spell %q: client_credentials auth requires token_url", c.Name)
		}
	case AuthPrivateKeyJWT:
		if a.PrivateKeyJWT == nil || a.PrivateKeyJWT.TokenURL == "" {
			return fmt.Errorf("spell %q: private_key_jwt auth requires token_url", c.Name)
		}
	case AuthStaticPrivateKeyJWT:
		if a.StaticPrivateKeyJWT == nil || a.StaticPrivateKeyJWT.TokenURL == "" {
			return fmt.Errorf("spell %q: static_private_key_jwt auth requires token_url", c.Name)
		}
	case AuthOAuth2:
		if a.OAuth2 == nil {
			return fmt.Errorf("spell %q: oauth2 auth missing payload", c.Name)
		}
	default:
		return fmt.Errorf("spell %q: unknown auth type %q", c.Name, a.Type)
	}
	return nil
}
