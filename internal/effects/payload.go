package effects

import (
	"fmt"
	"strings"
)

// BuildInput converts the input asset and merged params into the provider
// input payload for this effect family.
func (d Definition) BuildInput(assetURL, assetName string, params map[string]any) map[string]any {
	input := d.MergeParams(params)
	switch d.Input {
	case InputVideoURL:
		input["video"] = assetURL
	default:
		input["image"] = assetURL
	}
	return input
}

// Extraction is the interpreted terminal output of a prediction.
type Extraction struct {
	ResultURL string
	Err       string
	Metadata  map[string]any
}

// ExtractResult interprets the provider's output for this effect family once
// the prediction reached a terminal provider status.
func (d Definition) ExtractResult(output any, providerStatus string) Extraction {
	if m, ok := output.(map[string]any); ok {
		if msg, ok := m["error"].(string); ok && msg != "" {
			return Extraction{Err: msg}
		}
	}
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "failed", "canceled", "cancelled", "error":
		msg := ErrorText(output)
		if msg == "" {
			msg = "Effect processing failed"
		}
		return Extraction{Err: msg}
	}

	var url string
	switch d.Result {
	case ResultVideoField:
		if m, ok := output.(map[string]any); ok {
			if s, ok := m["video"].(string); ok && s != "" {
				url = s
			} else if s, ok := m["output"].(string); ok {
				url = s
			}
		}
		if url == "" {
			url = firstURL(output)
		}
	default:
		url = firstURL(output)
	}
	return Extraction{ResultURL: url, Metadata: outputMetadata(output)}
}

// ErrorText derives a human-readable failure message from raw provider output.
// Returns "" when nothing usable is present.
func ErrorText(output any) string {
	switch v := output.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if s, ok := v["error"].(string); ok {
			return strings.TrimSpace(s)
		}
	case []any:
		var parts []string
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, "; ")
	case error:
		return v.Error()
	}
	return ""
}

func firstURL(output any) string {
	switch v := output.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case map[string]any:
		if s, ok := v["output"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// outputMetadata keeps structured output fields that are neither the result
// URL nor an error so they survive onto the job record.
func outputMetadata(output any) map[string]any {
	m, ok := output.(map[string]any)
	if !ok {
		return nil
	}
	var meta map[string]any
	for k, v := range m {
		switch k {
		case "image", "video", "output", "error":
			continue
		}
		if meta == nil {
			meta = make(map[string]any)
		}
		meta[k] = v
	}
	return meta
}

// resultArtifact names the artifact for user-facing error messages.
func (d Definition) resultArtifact() string {
	if d.Input == InputVideoURL {
		return "video"
	}
	return "image"
}

// MissingResultError is the terminal message used when a completed prediction
// carries no extractable URL.
func (d Definition) MissingResultError() string {
	return fmt.Sprintf("Processed %s URL was not returned by the provider.", d.resultArtifact())
}
