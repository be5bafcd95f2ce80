package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarketProfile is a named marketplace configuration profile: fee defaults
// and the policy documents to install per item type.
type MarketProfile struct {
	Name       string          `yaml:"name" json:"name"`
	Code       string          `yaml:"code" json:"code"`
	Fees       FeeConfig       `yaml:"fees" json:"fees"`
	Policies   []PolicyRef     `yaml:"policies,omitempty" json:"policies,omitempty"`
	Discovery  DiscoveryConfig `yaml:"discovery" json:"discovery"`
	EventSinks []string        `yaml:"event_sinks,omitempty" json:"event_sinks,omitempty"`
}

// FeeConfig holds the fee schedule a profile starts from.
type FeeConfig struct {
	BaseBps   uint16            `yaml:"base_bps" json:"base_bps"`
	Overrides map[string]uint16 `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// PolicyRef names a policy document to load for an item type.
type PolicyRef struct {
	ItemType string `yaml:"item_type" json:"item_type"`
	Path     string `yaml:"path" json:"path"`
}

// DiscoveryConfig controls the listing index.
type DiscoveryConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "memory" | "redis"
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// LoadProfile loads a marketplace profile by code from the profiles
// directory, expecting profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*MarketProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile MarketProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if profile.Fees.BaseBps > 10_000 {
		return nil, fmt.Errorf("profile %q: base fee %d above 10000 bps", code, profile.Fees.BaseBps)
	}
	if profile.Discovery.Backend == "" {
		profile.Discovery.Backend = "memory"
	}
	return &profile, nil
}
