// Package translator maps between the Anthropic messages API and the Kiro
// upstream: request bodies forward, event streams back into Anthropic JSON
// and SSE.
package translator

import "strings"

// Upstream model ids for the three served families.
const (
	ModelSonnet = "CLAUDE_SONNET_4_5_20250929_V1_0"
	ModelOpus   = "CLAUDE_OPUS_4_1_20250805_V1_0"
	ModelHaiku  = "CLAUDE_HAIKU_4_5_20251001_V1_0"
)

// CatalogModel is one entry of the /v1/models listing.
type CatalogModel struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// Catalog returns the static model listing served to clients.
func Catalog() []CatalogModel {
	return []CatalogModel{
		{ID: "claude-sonnet-4-5-20250929", Type: "model", DisplayName: "Claude Sonnet 4.5"},
		{ID: "claude-opus-4-1-20250805", Type: "model", DisplayName: "Claude Opus 4.1"},
		{ID: "claude-haiku-4-5-20251001", Type: "model", DisplayName: "Claude Haiku 4.5"},
	}
}

// MapModel resolves a client model name to the upstream model id by
// case-insensitive substring: sonnet, opus, haiku; anything else falls back
// to the sonnet variant.
func MapModel(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "opus"):
		return ModelOpus
	case strings.Contains(lower, "haiku"):
		return ModelHaiku
	default:
		return ModelSonnet
	}
}
