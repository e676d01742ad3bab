package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/grimoire-sh/grimoire/internal/authtoken"
	"github.com/grimoire-sh/grimoire/internal/spell"
)

// buildTransport assembles the MCP transport for cfg. For stdio spells the
// returned *exec.Cmd is the child command handed to the SDK (its PID becomes
// available once the SDK starts it during Connect); it is nil for remote
// spells.
func buildTransport(ctx context.Context, cfg *spell.Config) (mcpsdk.Transport, *exec.Cmd, error) {
	switch {
	case cfg.Server.Stdio != nil:
		cmd := buildCommand(cfg)
		return &mcpsdk.CommandTransport{Command: cmd}, cmd, nil

	case cfg.Server.Remote != nil:
		httpClient, err := buildHTTPClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		remote := cfg.Server.Remote
		if remote.Kind == spell.TransportSSE {
			return &mcpsdk.SSEClientTransport{Endpoint: remote.URL, HTTPClient: httpClient}, nil, nil
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: remote.URL, HTTPClient: httpClient}, nil, nil
	}
	return nil, nil, fmt.Errorf("lifecycle: spell %q has no server variant", cfg.Name)
}

// buildCommand prepares the stdio child process: inherited environment plus
// the spell's env block with ${VAR} placeholders expanded.
func buildCommand(cfg *spell.Config) *exec.Cmd {
	stdio := cfg.Server.Stdio
	cmd := exec.Command(stdio.Command, stdio.Args...)
	cmd.Env = os.Environ()
	for k, v := range spell.ExpandEnvMap(stdio.Env) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

// buildHTTPClient wires static headers and the auth scheme into an HTTP
// client used by the remote transports. OAuth-style schemes get an eager
// first token fetch so misconfiguration fails the activation instead of the
// first tool call.
func buildHTTPClient(ctx context.Context, cfg *spell.Config) (*http.Client, error) {
	headers := spell.ExpandEnvMap(cfg.Server.Remote.Headers)

	tokens, err := authtoken.FromAuth(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build token provider for spell %q: %w", cfg.Name, err)
	}
	if tokens != nil {
		if _, err := tokens.AccessToken(ctx); err != nil {
			return nil, fmt.Errorf("lifecycle: initial token fetch for spell %q: %w", cfg.Name, err)
		}
	}

	static := staticAuthHeader(cfg)

	return &http.Client{
		Transport: &headerRoundTripper{
			base:       http.DefaultTransport,
			headers:    headers,
			authHeader: static,
			tokens:     tokens,
		},
	}, nil
}

// staticAuthHeader renders the non-OAuth auth variants into an Authorization
// header value, or "" when none applies.
//
// The basic variant intentionally produces "Bearer base64(user:pass)" rather
// than the HTTP Basic scheme; existing spell servers depend on receiving the
// credential in that shape.
func staticAuthHeader(cfg *spell.Config) string {
	a := cfg.Auth
	if a == nil {
		return ""
	}
	switch a.Type {
	case spell.AuthBearer:
		token := spell.ExpandEnv(a.Bearer.Token)
		if token == "" {
			slog.Warn("lifecycle: bearer token expanded to empty string", "spell", cfg.Name)
		}
		return "Bearer " + token

	case spell.AuthBasic:
		user := spell.ExpandEnv(a.Basic.Username)
		pass := spell.ExpandEnv(a.Basic.Password)
		if user == "" || pass == "" {
			slog.Warn("lifecycle: basic auth credentials incomplete, omitting header", "spell", cfg.Name)
			return ""
		}
		return "Bearer " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
	return ""
}

// headerRoundTripper injects static headers and the auth credential into
// every outgoing request. Token-based schemes refresh through the token
// provider per request, so long-lived sessions survive token expiry.
type headerRoundTripper struct {
	base       http.RoundTripper
	headers    map[string]string
	authHeader string
	tokens     authtoken.Provider
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	if t.tokens != nil {
		token, err := t.tokens.AccessToken(req.Context())
		if err != nil {
			return nil, fmt.Errorf("lifecycle: refresh access token: %w", err)
		}
		clone.Header.Set("Authorization", "Bearer "+token)
	} else if t.authHeader != "" {
		clone.Header.Set("Authorization", t.authHeader)
	}
	return t.base.RoundTrip(clone)
}
