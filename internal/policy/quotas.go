package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderQuota is the period token allowance for one provider
type ProviderQuota struct {
	Period         time.Duration
	TokenCap       int64
	SoftLimitRatio float64
}

// Quotas maps provider names to their period quotas
type Quotas struct {
	Providers map[string]ProviderQuota
}

type quotaWire struct {
	Providers map[string]struct {
		Period         string  `yaml:"period"`
		TokenCap       int64   `yaml:"token_cap"`
		SoftLimitRatio float64 `yaml:"soft_limit_ratio"`
	} `yaml:"providers"`
}

// LoadQuotas reads and validates a provider-quota document from a YAML file
func LoadQuotas(path string) (*Quotas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider quotas: %w", err)
	}
	return ParseQuotas(data)
}

// ParseQuotas parses and validates a provider-quota document
func ParseQuotas(data []byte) (*Quotas, error) {
	var wire quotaWire
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parsing provider quotas: %w", err)
	}
	if len(wire.Providers) == 0 {
		return nil, fmt.Errorf("quota document declares no providers")
	}

	q := &Quotas{Providers: make(map[string]ProviderQuota, len(wire.Providers))}
	for name, p := range wire.Providers {
		period, err := time.ParseDuration(p.Period)
		if err != nil {
			return nil, fmt.Errorf("provider %q: invalid period %q: %w", name, p.Period, err)
		}
		if p.TokenCap <= 0 {
			return nil, fmt.Errorf("provider %q: token_cap must be positive", name)
		}
		ratio := p.SoftLimitRatio
		if ratio == 0 {
			ratio = 0.8
		}
		if ratio <= 0 || ratio > 1 {
			return nil, fmt.Errorf("provider %q: soft_limit_ratio must be in (0, 1]", name)
		}
		q.Providers[name] = ProviderQuota{
			Period:         period,
			TokenCap:       p.TokenCap,
			SoftLimitRatio: ratio,
		}
	}
	return q, nil
}
