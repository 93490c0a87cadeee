package catalog

import (
	"fmt"
	"os"

	"github.com/appforge/appforge/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape accepted by LoadFile:
//
//	models:
//	  - provider: openai
//	    name: gpt-4.1
//	    quality: 9
//	    capabilities: [text, code, vision]
//	    price_per_1k_in: 0.002
//	    price_per_1k_out: 0.008
type seedFile struct {
	Models []models.ModelDescriptor `yaml:"models"`
}

// LoadFile merges descriptors from a YAML file over the current table.
// Entries with the same canonical id replace the built-in ones.
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read models file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse models file %s: %w", path, err)
	}

	for i, d := range seed.Models {
		if d.Provider == "" || d.Name == "" {
			return 0, fmt.Errorf("models file %s: entry %d needs provider and name", path, i)
		}
		if d.Quality < 1 || d.Quality > 10 {
			return 0, fmt.Errorf("models file %s: %s:%s quality %d outside 1-10", path, d.Provider, d.Name, d.Quality)
		}
	}

	c.mu.Lock()
	for _, d := range seed.Models {
		c.put(d)
	}
	c.mu.Unlock()

	log.Info().Str("path", path).Int("models", len(seed.Models)).Msg("Catalog: models file loaded")
	return len(seed.Models), nil
}
