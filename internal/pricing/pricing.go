// Package pricing maps provider kind and model to a unit price and
// computes the monetary cost of a request in rubles.
package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Table resolves (kind, model) to a price per 1000 tokens in rubles.
// Lookup order: exact (kind, model) match, then the kind's default, then
// 0.0 with a one-time warning. Kind matching is case-insensitive.
type Table struct {
	prices   map[string]float64 // "kind/model"
	defaults map[string]float64 // "kind"
	logger   *zap.SugaredLogger
	warned   sync.Map // "kind/model" -> struct{}
}

// TableFile is the YAML representation of a pricing table.
type TableFile struct {
	Models   map[string]map[string]float64 `yaml:"models"`   // kind -> model -> price
	Defaults map[string]float64            `yaml:"defaults"` // kind -> price
}

// NewTable creates a pricing table seeded with built-in prices. Free
// backends (mock, ollama) stay at 0.0.
func NewTable(logger *zap.SugaredLogger) *Table {
	t := &Table{
		prices:   make(map[string]float64),
		defaults: make(map[string]float64),
		logger:   logger,
	}

	t.Set("gigachat", "GigaChat", 0.2)
	t.Set("gigachat", "GigaChat-Pro", 1.5)
	t.Set("gigachat", "GigaChat-Max", 1.95)
	t.SetDefault("gigachat", 0.2)

	t.Set("yandexgpt", "yandexgpt-lite", 0.2)
	t.Set("yandexgpt", "yandexgpt", 1.2)
	t.SetDefault("yandexgpt", 0.4)

	t.SetDefault("mock", 0.0)
	t.SetDefault("ollama", 0.0)

	return t
}

// LoadTable reads pricing overrides from a YAML file on top of the
// built-in table.
func LoadTable(path string, logger *zap.SugaredLogger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}

	var file TableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pricing table %s: %w", path, err)
	}

	t := NewTable(logger)
	for kind, models := range file.Models {
		for model, price := range models {
			t.Set(kind, model, price)
		}
	}
	for kind, price := range file.Defaults {
		t.SetDefault(kind, price)
	}
	return t, nil
}

// Set registers a price per 1k tokens for an exact (kind, model) pair.
func (t *Table) Set(kind, model string, pricePer1K float64) {
	t.prices[key(kind, model)] = pricePer1K
}

// SetDefault registers the fallback price per 1k tokens for a kind.
func (t *Table) SetDefault(kind string, pricePer1K float64) {
	t.defaults[strings.ToLower(kind)] = pricePer1K
}

// PricePer1K resolves the unit price for a (kind, model) pair.
func (t *Table) PricePer1K(kind, model string) float64 {
	if price, ok := t.prices[key(kind, model)]; ok {
		return price
	}
	if price, ok := t.defaults[strings.ToLower(kind)]; ok {
		return price
	}
	if _, dup := t.warned.LoadOrStore(key(kind, model), struct{}{}); !dup && t.logger != nil {
		t.logger.Warnw("no price for model, assuming free",
			"kind", kind,
			"model", model,
		)
	}
	return 0.0
}

// Cost computes the ruble cost of a request.
func (t *Table) Cost(kind, model string, totalTokens int) float64 {
	return float64(totalTokens) / 1000.0 * t.PricePer1K(kind, model)
}

func key(kind, model string) string {
	return strings.ToLower(kind) + "/" + model
}
