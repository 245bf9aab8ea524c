package effects

import (
	"errors"
	"testing"

	"effectsvc/internal/domain"
)

func TestRegistryGetKnownEffect(t *testing.T) {
	r := NewRegistry()
	def, err := r.Get("upscale")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if def.ID != "upscale" {
		t.Fatalf("ID = %q, want %q", def.ID, "upscale")
	}
	if def.Provider != "replicate" {
		t.Fatalf("Provider = %q, want %q", def.Provider, "replicate")
	}
	if def.Version == "" {
		t.Fatal("Version is empty")
	}
}

func TestRegistryGetUnknownEffect(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("does-not-exist"); !errors.Is(err, domain.ErrUnknownEffect) {
		t.Fatalf("err = %v, want ErrUnknownEffect", err)
	}
}

func TestRegistryListKeepsOrder(t *testing.T) {
	r := NewRegistry(
		Definition{ID: "b"},
		Definition{ID: "a"},
		Definition{ID: "c"},
	)
	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(defs))
	}
	for i, want := range []string{"b", "a", "c"} {
		if defs[i].ID != want {
			t.Fatalf("List()[%d].ID = %q, want %q", i, defs[i].ID, want)
		}
	}
}

func TestRegistrySkipsDuplicateIDs(t *testing.T) {
	r := NewRegistry(
		Definition{ID: "a", Label: "First"},
		Definition{ID: "a", Label: "Second"},
	)
	if got := len(r.List()); got != 1 {
		t.Fatalf("len(List()) = %d, want 1", got)
	}
	def, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if def.Label != "First" {
		t.Fatalf("Label = %q, want %q", def.Label, "First")
	}
}

func TestDisplayLabelDerivedFromID(t *testing.T) {
	def := Definition{ID: "style-transfer"}
	if got := def.DisplayLabel(); got != "Style Transfer" {
		t.Fatalf("DisplayLabel() = %q, want %q", got, "Style Transfer")
	}
	def = Definition{ID: "upscale", Label: "Super Resolution"}
	if got := def.DisplayLabel(); got != "Super Resolution" {
		t.Fatalf("DisplayLabel() = %q, want %q", got, "Super Resolution")
	}
}

func TestMergeParamsOverlaysDefaults(t *testing.T) {
	def := Definition{Defaults: map[string]any{"scale": 4, "face_enhance": false}}
	merged := def.MergeParams(map[string]any{"scale": 2, "seed": 7})
	if merged["scale"] != 2 {
		t.Fatalf("scale = %v, want 2", merged["scale"])
	}
	if merged["face_enhance"] != false {
		t.Fatalf("face_enhance = %v, want false", merged["face_enhance"])
	}
	if merged["seed"] != 7 {
		t.Fatalf("seed = %v, want 7", merged["seed"])
	}
	if len(def.Defaults) != 2 {
		t.Fatalf("defaults mutated: %#v", def.Defaults)
	}
}
