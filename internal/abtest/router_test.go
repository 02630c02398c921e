package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrace/gateway/internal/core"
)

func validConfig() *core.ABConfig {
	return &core.ABConfig{
		Enabled: true,
		Variants: []core.ABVariant{
			{Name: "A", Model: "gpt-4o", Weight: 50},
			{Name: "B", Model: "gpt-4o-mini", Weight: 50},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(validConfig()))

	one := &core.ABConfig{Variants: []core.ABVariant{{Name: "A", Model: "m", Weight: 100}}}
	assert.Error(t, ValidateConfig(one))

	dup := validConfig()
	dup.Variants[1].Name = "A"
	assert.Error(t, ValidateConfig(dup))

	bad := validConfig()
	bad.Variants[0].Weight = 0
	assert.Error(t, ValidateConfig(bad))

	sum := validConfig()
	sum.Variants[0].Weight = 60
	assert.Error(t, ValidateConfig(sum))

	slack := validConfig()
	slack.Variants[0].Weight = 50.05
	assert.NoError(t, ValidateConfig(slack))
}

func TestSelectRespectsWeights(t *testing.T) {
	r := NewRouter()
	cfg := validConfig()

	counts := map[string]int{}
	const n = 10_000
	for i := 0; i < n; i++ {
		v := r.Select(cfg)
		require.NotNil(t, v)
		counts[v.Name]++
	}

	shareA := float64(counts["A"]) / n
	assert.Greater(t, shareA, 0.45)
	assert.Less(t, shareA, 0.55)
}

func TestSelectSkewedWeights(t *testing.T) {
	r := NewRouter()
	cfg := &core.ABConfig{
		Enabled: true,
		Variants: []core.ABVariant{
			{Name: "big", Model: "gpt-4o", Weight: 90},
			{Name: "small", Model: "gpt-4o-mini", Weight: 10},
		},
	}

	counts := map[string]int{}
	for i := 0; i < 10_000; i++ {
		counts[r.Select(cfg).Name]++
	}
	assert.Greater(t, counts["big"], counts["small"]*5)
}

func TestSelectDisabledOrDegenerate(t *testing.T) {
	r := NewRouter()

	cfg := validConfig()
	cfg.Enabled = false
	assert.Nil(t, r.Select(cfg))

	assert.Nil(t, r.Select(nil))

	single := &core.ABConfig{Enabled: true, Variants: []core.ABVariant{{Name: "A", Model: "m", Weight: 100}}}
	assert.Nil(t, r.Select(single))
}
