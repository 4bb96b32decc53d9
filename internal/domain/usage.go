package domain

import "time"

// UsageEvent records one call to an external model provider
type UsageEvent struct {
	ID           string
	Provider     string
	Model        string
	Role         Role
	RunID        string
	PhaseID      string
	TokensInput  int64
	TokensOutput int64
	CreatedAt    time.Time
}

// Tokens returns the total token count of the event
func (e *UsageEvent) Tokens() int64 {
	return e.TokensInput + e.TokensOutput
}

// ProviderUsage summarizes consumption against a provider's period cap
type ProviderUsage struct {
	Provider  string  `json:"provider"`
	Consumed  int64   `json:"consumed"`
	Cap       int64   `json:"cap"`
	Remaining int64   `json:"remaining"`
	Ratio     float64 `json:"ratio"`
	SoftLimit bool    `json:"soft_limit"`
	Exhausted bool    `json:"exhausted"`
}
