package subengine

import (
	"testing"

	"klippy-gw/internal/config"
)

func TestTierForObjectUsesFastestMatchingList(t *testing.T) {
	cfg := config.DefaultHost()
	cfg.StatusTiers[0] = []string{"toolhead"}
	cfg.StatusTiers[2] = []string{"toolhead", "extruder"}

	if got := TierForObject("toolhead", cfg); got != 0 {
		t.Errorf("expected tier 0, got %d", got)
	}
	if got := TierForObject("extruder", cfg); got != 2 {
		t.Errorf("expected tier 2, got %d", got)
	}
}

func TestTierForObjectDefaultsWhenUnnamed(t *testing.T) {
	cfg := config.DefaultHost()
	if got := TierForObject("webhooks", cfg); got != config.DefaultTier {
		t.Errorf("expected default tier %d, got %d", config.DefaultTier, got)
	}
}
