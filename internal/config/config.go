// Package config holds the gateway's two configuration layers: CLI flags
// parsed at process start, and the host-side options (api key path, auth
// policy, timeouts, tier assignments). Nothing in this module receives
// these options from the host; cmd/klippy-gw builds one Host value from
// DefaultHost and the CLI flags at start-up and does not change it.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// CLI holds the command-line-controlled settings (spec.md §6 "CLI
// flags"), parsed with the stdlib flag package.
type CLI struct {
	Addr       string
	Port       int
	SocketPath string
	LogPath    string
	KlippyLog  string
	FilesRoot  string
	APIKeyDir  string
}

func DefaultCLI() CLI {
	return CLI{
		Addr:       "0.0.0.0",
		Port:       7125,
		SocketPath: "/tmp/moonraker",
		LogPath:    "/tmp/moonraker.log",
		KlippyLog:  "/tmp/klippy.log",
		FilesRoot:  "/tmp/printer_data/gcodes",
		APIKeyDir:  "/tmp/printer_data",
	}
}

// LongRunningGcode is one entry of the long_running_gcodes table: a
// command mnemonic and the timeout that applies when a gcode script's
// first token matches it.
type LongRunningGcode struct {
	Name    string
	Timeout time.Duration
}

// Host holds the host-side options (spec.md §6 "Config options").
// DefaultHost returns the documented defaults. A zero-value Host does not
// carry them: RequireAuth is false, and only TierPeriod (250ms tick) and
// the multiplexer (5s request timeout) fall back when the durations are
// zero.
type Host struct {
	APIKeyPath        string
	RequireAuth       bool
	EnableCORS        bool
	TrustedClients    []*net.IPNet
	RequestTimeout    time.Duration
	LongRunningGcodes []LongRunningGcode
	LongRunningReqs   map[string]time.Duration
	StatusTiers       [6][]string
	TickTime          time.Duration
}

func DefaultHost() Host {
	return Host{
		APIKeyPath:      "~",
		RequireAuth:     true,
		EnableCORS:      false,
		RequestTimeout:  5 * time.Second,
		LongRunningReqs: map[string]time.Duration{},
		TickTime:        250 * time.Millisecond,
	}
}

// ParseTrustedClients validates and parses the trusted_clients list.
// Per spec.md §4.6 each entry must be a CIDR ending in ".0/24" — any
// other shape is a config error, not a silent narrowing/widening.
func ParseTrustedClients(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.HasSuffix(c, ".0/24") {
			return nil, fmt.Errorf("config: trusted client %q must be a .0/24 subnet", c)
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("config: invalid trusted client %q: %w", c, err)
		}
		ones, bits := ipnet.Mask.Size()
		if ones != 24 || bits != 32 {
			return nil, fmt.Errorf("config: trusted client %q must be a /24 subnet", c)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// IsTrusted reports whether ip matches any configured trusted subnet.
func (h Host) IsTrusted(ip net.IP) bool {
	for _, n := range h.TrustedClients {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// TierPeriod returns the polling period for tier index 0..5 given the
// configured tick_time (spec.md §4.4).
func (h Host) TierPeriod(tier int) time.Duration {
	tick := h.TickTime
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	mult := []int{1, 2, 4, 8, 16, 32}
	if tier < 0 || tier >= len(mult) {
		tier = DefaultTier
	}
	return tick * time.Duration(mult[tier])
}

// DefaultTier is the tier (zero-indexed) assigned to any object not
// named in status_tier_1..6 (spec.md §4.4: "falls into a default tier
// (tier 4)").
const DefaultTier = 3
