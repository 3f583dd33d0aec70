// Package catalog holds the models and providers the operator can choose.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

// Option is one selectable value.
type Option struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// ProviderRule maps models containing Match to Provider.
type ProviderRule struct {
	Match    string `yaml:"match" json:"match"`
	Provider string `yaml:"provider" json:"provider"`
}

// Catalog is the parsed model list.
type Catalog struct {
	Models        []Option       `yaml:"models" json:"models"`
	Providers     []Option       `yaml:"providers" json:"providers"`
	ProviderRules []ProviderRule `yaml:"provider_rules" json:"-"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded models.yaml: %v", err))
	}
	return c
}

// Parse decodes a catalog and checks every rule names a known provider.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}
	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		known[p.Value] = true
	}
	for _, r := range c.ProviderRules {
		if r.Match == "" {
			return nil, fmt.Errorf("provider rule for %q has empty match", r.Provider)
		}
		if !known[r.Provider] {
			return nil, fmt.Errorf("provider rule %q names unknown provider %q", r.Match, r.Provider)
		}
	}
	return &c, nil
}

// ProviderFor returns the provider of the first rule whose match is a
// substring of model.
func (c *Catalog) ProviderFor(model string) (string, bool) {
	for _, r := range c.ProviderRules {
		if strings.Contains(model, r.Match) {
			return r.Provider, true
		}
	}
	return "", false
}

// HasProvider reports whether p is one of the listed providers.
func (c *Catalog) HasProvider(p string) bool {
	for _, o := range c.Providers {
		if o.Value == p {
			return true
		}
	}
	return false
}
