package handlers

import (
	"net/http"

	"effectsvc/internal/effects"
)

type effectView struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Provider string         `json:"provider"`
	Fields   []effects.Field `json:"fields,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// EffectsList renders the effect catalog for UI rendering.
func (a *App) EffectsList(w http.ResponseWriter, r *http.Request) {
	defs := a.Registry.List()
	views := make([]effectView, 0, len(defs))
	for _, d := range defs {
		views = append(views, effectView{
			ID:       d.ID,
			Label:    d.DisplayLabel(),
			Provider: d.Provider,
			Fields:   d.Fields,
			Defaults: d.Defaults,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"effects": views})
}
