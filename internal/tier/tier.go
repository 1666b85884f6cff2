// Package tier holds the subscription tiers and what each one includes.
package tier

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription level.
type Tier string

const (
	Free   Tier = "free"
	Core   Tier = "core"
	Studio Tier = "studio"
)

// Capability is a feature gated by tier.
type Capability string

const (
	Text   Capability = "text"
	Audio  Capability = "audio"
	Image  Capability = "image"
	Camera Capability = "camera"
)

// Period is the window a message limit applies to.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Capabilities is the row of the tier table for one tier. A MessageLimit
// of zero means unlimited.
type Capabilities struct {
	MessageLimit int
	Period       Period
	Features     []Capability
	Upgrade      Tier
}

// Unlimited reports whether the tier has no message limit.
func (c Capabilities) Unlimited() bool {
	return c.MessageLimit <= 0
}

// Includes reports whether the tier grants a capability.
func (c Capabilities) Includes(capability Capability) bool {
	for _, f := range c.Features {
		if f == capability {
			return true
		}
	}
	return false
}

// Table maps every tier to its capabilities.
type Table map[Tier]Capabilities

// DefaultTable returns the standard tier definitions with the given free
// daily limit.
func DefaultTable(freeDailyLimit int) Table {
	if freeDailyLimit <= 0 {
		freeDailyLimit = 20
	}
	return Table{
		Free: {
			MessageLimit: freeDailyLimit,
			Period:       Daily,
			Features:     []Capability{Text},
			Upgrade:      Core,
		},
		Core: {
			Period:   Daily,
			Features: []Capability{Text, Audio, Image},
			Upgrade:  Studio,
		},
		Studio: {
			Period:   Daily,
			Features: []Capability{Text, Audio, Image, Camera},
		},
	}
}

// Lookup returns the capabilities of t. Unknown tiers get the free row.
func (tb Table) Lookup(t Tier) Capabilities {
	if c, ok := tb[t]; ok {
		return c
	}
	return tb[Free]
}

// UpgradeFor returns the lowest tier above t that includes capability,
// or "" when none does.
func (tb Table) UpgradeFor(t Tier, capability Capability) Tier {
	seen := map[Tier]bool{t: true}
	next := tb.Lookup(t).Upgrade
	for next != "" && !seen[next] {
		if tb.Lookup(next).Includes(capability) {
			return next
		}
		seen[next] = true
		next = tb.Lookup(next).Upgrade
	}
	return ""
}

// Parse converts a string into a Tier.
func Parse(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case Free, Core, Studio:
		return t, nil
	case "":
		return Free, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// ParseCapability converts a string into a Capability. Empty means text.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case Text, Audio, Image, Camera:
		return c, nil
	case "":
		return Text, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// PeriodStart returns the start of the period containing now, in UTC.
func PeriodStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	if p == Monthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the start of the period following the one containing now.
func PeriodEnd(p Period, now time.Time) time.Time {
	start := PeriodStart(p, now)
	if p == Monthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}
