package subengine

import "klippy-gw/internal/config"

// NumTiers is the number of fixed polling cadences (spec.md §4.4).
const NumTiers = 6

// TierForObject is a pure function of config: the index (0..5) of the
// fastest status_tier_N list naming object, or config.DefaultTier if no
// list names it. Per spec.md §9 "tier assignment is a pure function of
// config", this never depends on who is currently subscribed.
func TierForObject(object string, cfg config.Host) int {
	for tier := 0; tier < NumTiers; tier++ {
		for _, name := range cfg.StatusTiers[tier] {
			if name == object {
				return tier
			}
		}
	}
	return config.DefaultTier
}
