// Package effects holds the static catalog of effect definitions: the
// parameters each effect accepts, the provider model that runs it, and the
// conversions between job data and provider payloads. Adding an effect means
// adding one Definition record.
package effects

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"effectsvc/internal/domain"
)

// FieldKind enumerates the input widget kinds surfaced to clients.
type FieldKind string

const (
	FieldSelect   FieldKind = "select"
	FieldCheckbox FieldKind = "checkbox"
	FieldNumber   FieldKind = "number"
	FieldText     FieldKind = "text"
)

// Field describes one user-tunable parameter of an effect.
type Field struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"`
}

// InputKind tags how the input asset is handed to the provider model. The set
// is closed on purpose: each tag fixes the payload shape for a whole effect
// family, so new effects reuse a tag instead of carrying arbitrary builder
// functions.
type InputKind string

const (
	// InputImageURL passes the asset as an "image" URL field.
	InputImageURL InputKind = "image-url"
	// InputVideoURL passes the asset as a "video" URL field.
	InputVideoURL InputKind = "video-url"
)

// ResultKind tags how the provider's success output is interpreted.
type ResultKind string

const (
	// ResultFirstURL expects a bare URL string or a list of URL strings and
	// takes the first.
	ResultFirstURL ResultKind = "first-url"
	// ResultVideoField expects an object with the URL under "video" (falling
	// back to "output").
	ResultVideoField ResultKind = "video-field"
)

// Definition is the immutable description of one effect family.
type Definition struct {
	ID       string
	Label    string
	Provider string
	// Version is the provider model version submitted with each prediction.
	Version  string
	Fields   []Field
	Defaults map[string]any
	Input    InputKind
	Result   ResultKind
}

// DisplayLabel returns the configured label, deriving one from the id when the
// record carries none.
func (d Definition) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return cases.Title(language.English).String(strings.ReplaceAll(d.ID, "-", " "))
}

// Registry is the in-memory effect catalog. Lookup order is fixed so the
// effects listing renders stably.
type Registry struct {
	ordered []Definition
	byID    map[string]Definition
}

// NewRegistry builds a registry over the given definitions, or over the
// default catalog when none are provided.
func NewRegistry(defs ...Definition) *Registry {
	if len(defs) == 0 {
		defs = defaultCatalog
	}
	r := &Registry{byID: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if _, dup := r.byID[d.ID]; dup {
			continue
		}
		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d)
	}
	return r
}

// Get resolves an effect by id.
func (r *Registry) Get(effectID string) (Definition, error) {
	d, ok := r.byID[effectID]
	if !ok {
		return Definition{}, domain.ErrUnknownEffect
	}
	return d, nil
}

// List returns the catalog in registration order.
func (r *Registry) List() []Definition {
	out := make([]Definition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// MergeParams overlays request params on the effect defaults. Unknown keys are
// kept; the provider ignores what it does not understand.
func (d Definition) MergeParams(params map[string]any) map[string]any {
	merged := make(map[string]any, len(d.Defaults)+len(params))
	for k, v := range d.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

var defaultCatalog = []Definition{
	{
		ID:       "upscale",
		Label:    "Upscale",
		Provider: "replicate",
		Version:  "f121d640bd286e1fdc67f9799164c1d5be36ff74576ee11c803ae5b665dd46aa",
		Fields: []Field{
			{Name: "scale", Label: "Scale factor", Kind: FieldSelect, Options: []string{"2", "4"}},
			{Name: "face_enhance", Label: "Enhance faces", Kind: FieldCheckbox},
		},
		Defaults: map[string]any{"scale": 4, "face_enhance": false},
		Input:    InputImageURL,
		Result:   ResultFirstURL,
	},
	{
		ID:       "remove-background",
		Label:    "Remove Background",
		Provider: "replicate",
		Version:  "fb8af171cfa1616ddcf1242c093f9c46bcada5ad4cf6f2fbe8b81b330ec5c003",
		Input:    InputImageURL,
		Result:   ResultFirstURL,
	},
	{
		ID:       "frame-interpolation",
		Label:    "Smooth Motion",
		Provider: "replicate",
		Fields: []Field{
			{Name: "interpolation_factor", Label: "Interpolation factor", Kind: FieldSelect, Options: []string{"2", "4", "8"}},
		},
		Version:  "4f88a16a13673a8b589c18866e540556170a5bcb2ccdc12de556e800e9456d3d",
		Defaults: map[string]any{"interpolation_factor": 2},
		Input:    InputVideoURL,
		Result:   ResultVideoField,
	},
	{
		ID:       "style-transfer",
		Provider: "replicate",
		Version:  "ad59ca21177f9e217b9075e7300cf6e14f7e5b4505b87b9689dbd866e9768969",
		Fields: []Field{
			{Name: "style", Label: "Style", Kind: FieldSelect, Required: true,
				Options: []string{"anime", "watercolor", "oil-painting", "sketch"}},
			{Name: "strength", Label: "Strength", Kind: FieldNumber},
		},
		Defaults: map[string]any{"strength": 0.7},
		Input:    InputVideoURL,
		Result:   ResultVideoField,
	},
}
