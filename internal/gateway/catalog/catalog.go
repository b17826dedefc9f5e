// Package catalog holds the static model table: pricing and capability
// flags per model id. The table is supplied externally as a YAML file
// and consumed read-only by the gateway.
package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Pricing is the USD cost per 1M input/output tokens.
type Pricing struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// ModelDefinition describes one upstream model.
type ModelDefinition struct {
	ID           string
	Provider     string
	Pricing      Pricing
	Capabilities []string
}

// SupportsCapability reports whether the model carries a capability flag.
func (m ModelDefinition) SupportsCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Provider derives the provider segment of a model id: the substring
// before the first "/". Empty when the id carries no provider segment.
func Provider(modelID string) string {
	idx := strings.Index(modelID, "/")
	if idx <= 0 {
		return ""
	}
	return modelID[:idx]
}

type catalogFile struct {
	Models []struct {
		ID      string `yaml:"id"`
		Pricing struct {
			Input  float64 `yaml:"input"`
			Output float64 `yaml:"output"`
		} `yaml:"pricing"`
		Capabilities []string `yaml:"capabilities"`
	} `yaml:"models"`
}

// Catalog is a reloadable model table.
type Catalog struct {
	path string

	mu     sync.RWMutex
	models map[string]ModelDefinition
}

// Load reads the catalog file at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file, replacing the table on success and
// keeping the previous table on failure.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse model catalog: %w", err)
	}

	models := make(map[string]ModelDefinition, len(file.Models))
	for _, m := range file.Models {
		if m.ID == "" {
			return fmt.Errorf("model catalog entry missing id")
		}
		provider := Provider(m.ID)
		if provider == "" {
			return fmt.Errorf("model id %q lacks a provider segment", m.ID)
		}
		models[m.ID] = ModelDefinition{
			ID:       m.ID,
			Provider: provider,
			Pricing: Pricing{
				Input:  decimal.NewFromFloat(m.Pricing.Input),
				Output: decimal.NewFromFloat(m.Pricing.Output),
			},
			Capabilities: m.Capabilities,
		}
	}

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}

// Get returns the definition for a model id.
func (c *Catalog) Get(modelID string) (ModelDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[modelID]
	return m, ok
}

// GetPricing returns pricing for a model id.
func (c *Catalog) GetPricing(modelID string) (Pricing, bool) {
	m, ok := c.Get(modelID)
	return m.Pricing, ok
}

// Len returns the number of models in the table.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
