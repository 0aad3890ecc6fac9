package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tankwatch/internal/models"
)

// Catalogue lists the physical tanks keyed by their sensor channel index.
type Catalogue struct {
	Tanks []models.TankSpec `yaml:"tanks"`
}

// LoadCatalogue reads the YAML tank catalogue. A missing file yields an empty catalogue.
func LoadCatalogue(path string) (*Catalogue, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalogue{}, nil
	}
	if err != nil {
		return nil, err
	}

	var c Catalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse tank catalogue: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("tank catalogue: %w", err)
	}
	return &c, nil
}

func (c *Catalogue) applyDefaults() {
	for i := range c.Tanks {
		t := &c.Tanks[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("tank-%d", t.Index)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		t.Group = models.Group(strings.ToUpper(string(t.Group)))
		if t.Group == "" {
			t.Group = models.GroupCenter
		}
		if t.Product == "" {
			t.Product = models.ProductPetroleum
		}
		if t.ReferenceDensity == 0 {
			if t.Product == models.ProductWater {
				t.ReferenceDensity = 1.0
			} else {
				t.ReferenceDensity = 0.85
			}
		}
		if t.TargetFillPercent == 0 {
			t.TargetFillPercent = 98
		}
	}
}

func (c *Catalogue) validate() error {
	seenIdx := map[int]bool{}
	seenID := map[string]bool{}
	for _, t := range c.Tanks {
		if seenIdx[t.Index] {
			return fmt.Errorf("duplicate index %d", t.Index)
		}
		if seenID[t.ID] {
			return fmt.Errorf("duplicate id %q", t.ID)
		}
		seenIdx[t.Index] = true
		seenID[t.ID] = true
		switch t.Group {
		case models.GroupBB, models.GroupSB, models.GroupCenter:
		default:
			return fmt.Errorf("tank %s: unknown group %q", t.ID, t.Group)
		}
		if t.MaxLevelMm < 0 || t.CapacityLiters < 0 {
			return fmt.Errorf("tank %s: negative dimensions", t.ID)
		}
		if t.TargetFillPercent < 0 || t.TargetFillPercent > 100 {
			return fmt.Errorf("tank %s: target_fill_percent out of range", t.ID)
		}
	}
	return nil
}

// Lookup returns the spec for a sensor channel, synthesizing a placeholder for unknown channels.
func (c *Catalogue) Lookup(index int) (models.TankSpec, bool) {
	if c != nil {
		for _, t := range c.Tanks {
			if t.Index == index {
				return t, true
			}
		}
	}
	return models.TankSpec{
		Index:             index,
		ID:                fmt.Sprintf("tank-%d", index),
		Name:              fmt.Sprintf("Tank %d", index),
		Group:             models.GroupCenter,
		ReferenceDensity:  0.85,
		Product:           models.ProductPetroleum,
		TargetFillPercent: 98,
	}, false
}

// ByID returns the spec with the given tank id.
func (c *Catalogue) ByID(id string) (models.TankSpec, bool) {
	if c == nil {
		return models.TankSpec{}, false
	}
	for _, t := range c.Tanks {
		if t.ID == id {
			return t, true
		}
	}
	return models.TankSpec{}, false
}

// Position is the catalogue order of a channel, or -1.
func (c *Catalogue) Position(index int) int {
	if c == nil {
		return -1
	}
	for i, t := range c.Tanks {
		if t.Index == index {
			return i
		}
	}
	return -1
}
