package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grimoire-sh/grimoire/internal/embedding"
	"github.com/grimoire-sh/grimoire/internal/embedstore"
	"github.com/grimoire-sh/grimoire/internal/lifecycle"
	"github.com/grimoire-sh/grimoire/internal/resolver"
	"github.com/grimoire-sh/grimoire/internal/router"
	"github.com/grimoire-sh/grimoire/internal/spell"
)

type spellFixture struct {
	name        string
	description string
	keywords    []string
	command     string
	steering    string
}

func writeSpellFile(t *testing.T, dir string, f spellFixture) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("name: " + f.name + "\n")
	sb.WriteString("version: 1.0.0\n")
	sb.WriteString("description: " + f.description + "\n")
	sb.WriteString("keywords: [" + strings.Join(f.keywords, ", ") + "]\n")
	if f.steering != "" {
		sb.WriteString("steering: " + f.steering + "\n")
	}
	sb.WriteString("server:\n")
	sb.WriteString("  type: stdio\n")
	sb.WriteString("  command: " + f.command + "\n")

	path := filepath.Join(dir, f.name+".spell.yaml")
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		t.Fatalf("write spell file: %v", err)
	}
}

func newTestGateway(t *testing.T, fixtures ...spellFixture) *Gateway {
	t.Helper()
	dir := t.TempDir()
	for _, f := range fixtures {
		writeSpellFile(t, dir, f)
	}

	store := embedstore.NewFileStore(
		filepath.Join(t.TempDir(), "embeddings.msgpack"),
		"test-model", embedding.Dimensions)
	res := resolver.New(store, embedding.NewLocal())
	rt := router.New()
	mgr := lifecycle.New(store, rt)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	g := New(dir, res, mgr, rt)
	if err := g.LoadSpells(context.Background()); err != nil {
		t.Fatalf("load spells: %v", err)
	}
	return g
}

func postgresFixture() spellFixture {
	return spellFixture{
		name:        "postgres",
		description: "Query and inspect PostgreSQL databases.",
		keywords:    []string{"database", "sql", "postgres", "query", "tables"},
		command:     "/nonexistent/postgres-mcp",
	}
}

func stripeFixture() spellFixture {
	return spellFixture{
		name:        "stripe",
		description: "Manage payments and customer billing.",
		keywords:    []string{"payment", "stripe", "billing"},
		command:     "/nonexistent/stripe-mcp",
	}
}

func TestInjectSteering(t *testing.T) {
	tools := []router.ToolDescriptor{
		{Name: "query", Description: "Run a SQL query."},
		{Name: "list_tables", Description: "List tables."},
	}

	t.Run("appends marker and guidance", func(t *testing.T) {
		cfg := &spell.Config{Name: "postgres", Steering: "Prefer read-only queries."}
		steered := injectSteering(cfg, tools)

		want := "Run a SQL query." + steeringMarker + "Prefer read-only queries."
		if steered[0].Description != want {
			t.Errorf("expected %q, got %q", want, steered[0].Description)
		}
		// Input descriptors must be untouched.
		if tools[0].Description != "Run a SQL query." {
			t.Errorf("input mutated: %q", tools[0].Description)
		}
	})

	t.Run("whitespace-only steering leaves descriptions unchanged", func(t *testing.T) {
		cfg := &spell.Config{Name: "postgres", Steering: "   \n  "}
		steered := injectSteering(cfg, tools)
		if steered[0].Description != tools[0].Description {
			t.Errorf("expected unchanged description, got %q", steered[0].Description)
		}
		// Still a copy, not the same backing array.
		steered[0].Name = "mutated"
		if tools[0].Name != "query" {
			t.Error("expected injectSteering to return a copy")
		}
	})
}

func TestResolveIntent_EmptyQuery(t *testing.T) {
	g := newTestGateway(t, postgresFixture(), stripeFixture())

	res := g.ResolveIntent(context.Background(), "   ")
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %q", res.Status)
	}
	if res.Message == "" {
		t.Error("expected a guidance message")
	}
	if len(res.AvailableSpells) != 2 {
		t.Fatalf("expected 2 available spells, got %d", len(res.AvailableSpells))
	}
	if res.AvailableSpells[0].Name != "postgres" || res.AvailableSpells[1].Name != "stripe" {
		t.Errorf("expected sorted spell list, got %v", res.AvailableSpells)
	}
}

func TestResolveIntent_NoMatchEchoesQuery(t *testing.T) {
	g := newTestGateway(t, postgresFixture())

	res := g.ResolveIntent(context.Background(), "launch rocket to mars")
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %q", res.Status)
	}
	if !strings.Contains(res.Message, `"launch rocket to mars"`) {
		t.Errorf("expected query echoed in message, got %q", res.Message)
	}
	if len(res.AvailableSpells) != 1 {
		t.Errorf("expected available spells listed, got %v", res.AvailableSpells)
	}
}

func TestResolveIntent_ActivationFailureDegrades(t *testing.T) {
	g := newTestGateway(t, postgresFixture())

	// The query clears the activation tier, but the spell's command does not
	// exist, so the result degrades to not_found with a remediation hint.
	res := g.ResolveIntent(context.Background(), "query postgres database")
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found after failed activation, got %q", res.Status)
	}
	if !strings.Contains(res.Message, "failed to activate") {
		t.Errorf("expected activation failure message, got %q", res.Message)
	}
	if g.manager.IsActive("postgres") {
		t.Error("expected postgres inactive after failed activation")
	}
}

func TestResolveIntent_MultipleMatches(t *testing.T) {
	g := newTestGateway(t, postgresFixture(), stripeFixture())

	// One weak keyword hit among five meaningful words lands between the
	// multiple-matches and activation tiers.
	res := g.ResolveIntent(context.Background(), "synchronize data backup archives tonight")
	if res.Status != StatusMultipleMatches {
		t.Fatalf("expected multiple_matches, got %q (message %q)", res.Status, res.Message)
	}
	if len(res.Matches) == 0 || len(res.Matches) > 3 {
		t.Fatalf("expected 1-3 matches, got %d", len(res.Matches))
	}
	if res.Matches[0].Name != "postgres" {
		t.Errorf("expected postgres on top, got %q", res.Matches[0].Name)
	}
	if res.Matches[0].Confidence < tierMultiple || res.Matches[0].Confidence >= tierActivate {
		t.Errorf("expected confidence in the multiple tier, got %v", res.Matches[0].Confidence)
	}
	if res.Matches[0].Description == "" {
		t.Error("expected match description from the config")
	}
}

func TestActivateSpell(t *testing.T) {
	ctx := context.Background()

	t.Run("empty name errors", func(t *testing.T) {
		g := newTestGateway(t, postgresFixture())
		if _, err := g.ActivateSpell(ctx, "  "); err == nil {
			t.Error("expected error for empty name")
		}
	})

	t.Run("unknown name close to a known spell suggests it", func(t *testing.T) {
		g := newTestGateway(t, postgresFixture(), stripeFixture())

		_, err := g.ActivateSpell(ctx, "postgress")
		var nfErr *SpellNotFoundError
		if !errors.As(err, &nfErr) {
			t.Fatalf("expected *SpellNotFoundError, got %T: %v", err, err)
		}
		if nfErr.Suggestion != "postgres" {
			t.Errorf("expected suggestion postgres, got %q", nfErr.Suggestion)
		}
		if !strings.Contains(nfErr.Error(), "did you mean") {
			t.Errorf("expected suggestion in message, got %q", nfErr.Error())
		}
	})

	t.Run("unknown name with no near neighbour has no suggestion", func(t *testing.T) {
		g := newTestGateway(t, postgresFixture())

		_, err := g.ActivateSpell(ctx, "kubernetes")
		var nfErr *SpellNotFoundError
		if !errors.As(err, &nfErr) {
			t.Fatalf("expected *SpellNotFoundError, got %T: %v", err, err)
		}
		if nfErr.Suggestion != "" {
			t.Errorf("expected no suggestion, got %q", nfErr.Suggestion)
		}
	})

	t.Run("activation failure surfaces the cause", func(t *testing.T) {
		g := newTestGateway(t, postgresFixture())

		_, err := g.ActivateSpell(ctx, "postgres")
		if err == nil {
			t.Fatal("expected activation to fail")
		}
		var actErr *lifecycle.ActivationError
		if !errors.As(err, &actErr) {
			t.Fatalf("expected *ActivationError, got %T: %v", err, err)
		}
		if actErr.Spell != "postgres" {
			t.Errorf("expected spell postgres in error, got %q", actErr.Spell)
		}
	})
}

func TestKnownSpellsSorted(t *testing.T) {
	g := newTestGateway(t, stripeFixture(), postgresFixture())

	known := g.KnownSpells()
	if len(known) != 2 {
		t.Fatalf("expected 2 spells, got %d", len(known))
	}
	if known[0].Name != "postgres" || known[1].Name != "stripe" {
		t.Errorf("expected sorted names, got %v", known)
	}
	if known[0].Description == "" {
		t.Error("expected descriptions populated")
	}
}
