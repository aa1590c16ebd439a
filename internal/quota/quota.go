// Package quota defines the canonical usage model produced by probes:
// per-window quotas, point-in-time snapshots, cost figures, and the
// probe error taxonomy callers branch on.
package quota

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Kind identifies the window a quota applies to.
type Kind string

const (
	KindSession       Kind = "session"
	KindWeekly        Kind = "weekly"
	KindModelSpecific Kind = "model"
	KindTimeLimit     Kind = "time_limit"
)

// Status buckets a quota for display purposes.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusExceeded Status = "exceeded"
)

// Tier is the provider-reported subscription level, when known.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierMax        Tier = "max"
	TierPlus       Tier = "plus"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// UsageQuota is one rate-limit window. PercentRemaining may be negative
// when the provider reports over-quota usage; it is never clamped.
type UsageQuota struct {
	ProviderID       string     `json:"provider"`
	Kind             Kind       `json:"kind"`
	Label            string     `json:"label,omitempty"` // for model/time_limit kinds
	PercentRemaining float64    `json:"percent_remaining"`
	ResetsAt         *time.Time `json:"resets_at,omitempty"`
	ResetText        string     `json:"reset_text,omitempty"`
}

// StatusOf derives a display status from the remaining percentage.
// Pure function of the value; thresholds match the providers' own UI cues.
func StatusOf(percentRemaining float64) Status {
	switch {
	case percentRemaining < 0:
		return StatusExceeded
	case percentRemaining < 10:
		return StatusCritical
	case percentRemaining < 25:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Status returns the derived status for this quota.
func (q UsageQuota) Status() Status {
	return StatusOf(q.PercentRemaining)
}

// CostUsage captures pay-as-you-go spend reported alongside quotas.
type CostUsage struct {
	ProviderID  string     `json:"provider"`
	TotalCost   float64    `json:"total_cost"` // USD
	Budget      *float64   `json:"budget,omitempty"`
	APIDuration float64    `json:"api_duration_secs,omitempty"`
	CapturedAt  time.Time  `json:"captured_at"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
	ResetText   string     `json:"reset_text,omitempty"`
}

// Snapshot is an immutable point-in-time record of one provider's quota and
// account state. A fresh value is built on every successful probe; the
// caller owns it exclusively after return.
type Snapshot struct {
	ProviderID          string       `json:"provider"`
	Quotas              []UsageQuota `json:"quotas"`
	CapturedAt          time.Time    `json:"captured_at"`
	AccountEmail        string       `json:"account_email,omitempty"`
	AccountOrganization string       `json:"account_organization,omitempty"`
	LoginMethod         string       `json:"login_method,omitempty"`
	AccountTier         Tier         `json:"account_tier,omitempty"`
	Cost                *CostUsage   `json:"cost,omitempty"`
}

// Primary returns the session-window quota, or the first quota when no
// session window was reported.
func (s *Snapshot) Primary() *UsageQuota {
	for i := range s.Quotas {
		if s.Quotas[i].Kind == KindSession {
			return &s.Quotas[i]
		}
	}
	if len(s.Quotas) > 0 {
		return &s.Quotas[0]
	}
	return nil
}

// ResetText formats a reset timestamp as a relative phrase ("3 hours from
// now"). Empty when t is nil.
func ResetText(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return humanize.Time(*t)
}

// ParseTier normalizes a provider-reported plan string to a Tier.
// Unknown values map to the empty Tier rather than guessing.
func ParseTier(plan string) Tier {
	switch plan {
	case "free":
		return TierFree
	case "pro":
		return TierPro
	case "max", "max_5x", "max_20x":
		return TierMax
	case "plus":
		return TierPlus
	case "team":
		return TierTeam
	case "enterprise", "business":
		return TierEnterprise
	}
	return ""
}
