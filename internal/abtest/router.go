// Package abtest splits traffic across competing models by weighted draw.
package abtest

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/llmtrace/gateway/internal/core"
)

const (
	minVariants = 2
	maxVariants = 5
	weightSlack = 0.1
)

// Router selects a variant per request. The random source is guarded by a
// mutex; rand.Rand is not safe for concurrent use.
type Router struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRouter() *Router {
	return &Router{rng: rand.New(rand.NewSource(rand.Int63()))}
}

// ValidateConfig checks an A/B configuration: 2..5 variants, unique names,
// weights in (0,100] summing to 100 within 0.1.
func ValidateConfig(cfg *core.ABConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Variants) < minVariants || len(cfg.Variants) > maxVariants {
		return fmt.Errorf("config must have between %d and %d variants, got %d", minVariants, maxVariants, len(cfg.Variants))
	}

	seen := make(map[string]bool, len(cfg.Variants))
	sum := 0.0
	for _, v := range cfg.Variants {
		if v.Name == "" {
			return fmt.Errorf("variant name must not be empty")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variant name %q", v.Name)
		}
		seen[v.Name] = true
		if v.Model == "" {
			return fmt.Errorf("variant %q has no model", v.Name)
		}
		if v.Weight <= 0 || v.Weight > 100 {
			return fmt.Errorf("variant %q weight %.2f must be in (0,100]", v.Name, v.Weight)
		}
		sum += v.Weight
	}
	if math.Abs(sum-100) > weightSlack {
		return fmt.Errorf("variant weights sum to %.2f, want 100", sum)
	}
	return nil
}

// Select draws one variant by cumulative weight: a uniform draw on [0,100)
// picks the first variant whose cumulative weight exceeds it. Disabled or
// degenerate configs return nil and the request keeps its original model.
func (r *Router) Select(cfg *core.ABConfig) *core.ABVariant {
	if cfg == nil || !cfg.Enabled || len(cfg.Variants) < minVariants {
		return nil
	}

	r.mu.Lock()
	draw := r.rng.Float64() * 100
	r.mu.Unlock()

	cumulative := 0.0
	for i := range cfg.Variants {
		cumulative += cfg.Variants[i].Weight
		if draw < cumulative {
			return &cfg.Variants[i]
		}
	}
	// Rounding slack can leave the draw past the last boundary.
	return &cfg.Variants[len(cfg.Variants)-1]
}
