package lifecycle

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grimoire-sh/grimoire/internal/spell"
)

func remoteConfig(auth *spell.Auth) *spell.Config {
	return &spell.Config{
		Name:        "remote",
		Version:     "1.0.0",
		Description: "A remote spell used by the transport tests.",
		Keywords:    []string{"alpha", "beta", "gamma"},
		Server: spell.ServerConfig{
			Remote: &spell.RemoteServer{Kind: spell.TransportSSE, URL: "https://example.com/mcp"},
		},
		Auth: auth,
	}
}

func TestStaticAuthHeader(t *testing.T) {
	t.Run("no auth", func(t *testing.T) {
		if got := staticAuthHeader(remoteConfig(nil)); got != "" {
			t.Errorf("expected empty header, got %q", got)
		}
	})

	t.Run("bearer with env expansion", func(t *testing.T) {
		t.Setenv("GRIMOIRE_TEST_TOKEN", "tok-123")
		cfg := remoteConfig(&spell.Auth{
			Type:   spell.AuthBearer,
			Bearer: &spell.BearerAuth{Token: "${GRIMOIRE_TEST_TOKEN}"},
		})
		if got := staticAuthHeader(cfg); got != "Bearer tok-123" {
			t.Errorf("expected Bearer tok-123, got %q", got)
		}
	})

	t.Run("basic encodes as bearer", func(t *testing.T) {
		cfg := remoteConfig(&spell.Auth{
			Type:  spell.AuthBasic,
			Basic: &spell.BasicAuth{Username: "alice", Password: "s3cret"},
		})
		want := "Bearer " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
		if got := staticAuthHeader(cfg); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})

	t.Run("basic with missing credential omits header", func(t *testing.T) {
		cfg := remoteConfig(&spell.Auth{
			Type:  spell.AuthBasic,
			Basic: &spell.BasicAuth{Username: "alice"},
		})
		if got := staticAuthHeader(cfg); got != "" {
			t.Errorf("expected empty header for incomplete basic auth, got %q", got)
		}
	})
}

func TestHeaderRoundTripper(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{
		Transport: &headerRoundTripper{
			base:       http.DefaultTransport,
			headers:    map[string]string{"X-Spell": "postgres"},
			authHeader: "Bearer static-token",
		},
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := seen.Get("X-Spell"); got != "postgres" {
		t.Errorf("expected static header, got %q", got)
	}
	if got := seen.Get("Authorization"); got != "Bearer static-token" {
		t.Errorf("expected auth header, got %q", got)
	}
}

func TestBuildCommandEnv(t *testing.T) {
	t.Setenv("GRIMOIRE_TEST_DSN", "postgres://localhost/app")
	cfg := stdioConfig("postgres", "/bin/true")
	cfg.Server.Stdio.Args = []string{"--flag"}
	cfg.Server.Stdio.Env = map[string]string{"DATABASE_URL": "${GRIMOIRE_TEST_DSN}"}

	cmd := buildCommand(cfg)
	if cmd.Path != "/bin/true" {
		t.Errorf("expected command path /bin/true, got %q", cmd.Path)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "--flag" {
		t.Errorf("unexpected args %v", cmd.Args)
	}

	found := false
	for _, kv := range cmd.Env {
		if kv == "DATABASE_URL=postgres://localhost/app" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected expanded DATABASE_URL in env")
	}
}
