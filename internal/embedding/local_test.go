package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/grimoire-sh/grimoire/internal/vecmath"
)

func TestLocal_Embed(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	t.Run("dimension and unit norm", func(t *testing.T) {
		vec, err := l.Embed(ctx, "query postgres database tables")
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(vec) != Dimensions {
			t.Fatalf("expected %d dims, got %d", Dimensions, len(vec))
		}
		var sum float64
		for _, x := range vec {
			sum += float64(x) * float64(x)
		}
		if math.Abs(math.Sqrt(sum)-1.0) > 1e-5 {
			t.Errorf("expected unit norm, got %v", math.Sqrt(sum))
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := l.Embed(ctx, "manage stripe payments")
		if err != nil {
			t.Fatal(err)
		}
		b, err := l.Embed(ctx, "manage stripe payments")
		if err != nil {
			t.Fatal(err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("expected identical vectors, differ at %d: %v vs %v", i, a[i], b[i])
			}
		}
	})

	t.Run("related text scores above unrelated", func(t *testing.T) {
		doc, err := l.Embed(ctx, "query postgres database sql tables")
		if err != nil {
			t.Fatal(err)
		}
		related, err := l.Embed(ctx, "postgres database query")
		if err != nil {
			t.Fatal(err)
		}
		unrelated, err := l.Embed(ctx, "launch rocket to mars")
		if err != nil {
			t.Fatal(err)
		}

		simRelated, err := vecmath.Cosine(doc, related)
		if err != nil {
			t.Fatal(err)
		}
		simUnrelated, err := vecmath.Cosine(doc, unrelated)
		if err != nil {
			t.Fatal(err)
		}
		if simRelated <= simUnrelated {
			t.Errorf("expected related similarity %v to exceed unrelated %v", simRelated, simUnrelated)
		}
	})

	t.Run("batch matches single", func(t *testing.T) {
		vecs, err := l.EmbedBatch(ctx, []string{"alpha beta", "gamma delta"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 2 {
			t.Fatalf("expected 2 vectors, got %d", len(vecs))
		}
		single, err := l.Embed(ctx, "alpha beta")
		if err != nil {
			t.Fatal(err)
		}
		for i := range single {
			if vecs[0][i] != single[i] {
				t.Fatal("expected batch vector to match single embed")
			}
		}
	})
}

func TestInstance(t *testing.T) {
	SetInstance(nil)
	t.Cleanup(func() { SetInstance(nil) })

	first := Instance()
	if first == nil {
		t.Fatal("expected lazily constructed provider")
	}
	if Instance() != first {
		t.Error("expected repeated Instance calls to return the same provider")
	}

	l := NewLocal()
	SetInstance(l)
	if Instance() != Provider(l) {
		t.Error("expected SetInstance to replace the provider")
	}
}
