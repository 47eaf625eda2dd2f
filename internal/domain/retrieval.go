package domain

// Passage is one retrieved snippet of study material, produced fresh per
// query and never persisted by the gateway.
type Passage struct {
	SourceID   string  `json:"source_id"`
	MaterialID string  `json:"material_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Tier       int     `json:"-"` // ranking tier, tie-break only
}
