package scheduler

import (
	"time"
)

// Cdn identifies one CDN endpoint candidate for a resource. A nil *Cdn is
// the "no CDN concept applies" sentinel: the attempt map accepts it as a
// regular key, so the whole retry algorithm works unchanged for resources
// that are not CDN-addressable.
type Cdn struct {
	ID      string
	BaseURL string
}

// Prioritizer is the optional collaborator ranking CDNs globally across
// requests and signaling rank changes while a request waits out a backoff.
type Prioritizer interface {
	// CdnPreference returns the given CDNs ordered by preference.
	CdnPreference(cdns []*Cdn) []*Cdn

	// Downgrade lowers a CDN's rank after a failed attempt on it.
	Downgrade(cdn *Cdn)

	// Subscribe registers interest in priority changes. The returned
	// channel receives (or is closed) on the next change; the returned
	// function unregisters.
	Subscribe() (<-chan struct{}, func())
}

// missedAttempt is the per-CDN backoff state scoped to one scheduling
// call. Blacklisting is monotonic within the call.
type missedAttempt struct {
	errorCounter int
	blockedUntil time.Time
	blacklisted  bool
}

// getCdnToRequest selects the most prioritary CDN still worth requesting.
// The order is the prioritizer's preference when available, the caller's
// order otherwise. Blacklisted CDNs are skipped. An unblocked CDN always
// wins over a blocked one; among blocked CDNs, the earliest blockedUntil
// wins, ties broken by order.
func getCdnToRequest(cdns []*Cdn, prio Prioritizer, attempts map[*Cdn]*missedAttempt) (*Cdn, bool) {
	ordered := cdns
	if prio != nil {
		ordered = prio.CdnPreference(cdns)
	}

	var (
		best      *Cdn
		bestFound bool
		bestUntil time.Time
	)
	for _, cdn := range ordered {
		rec := attempts[cdn]
		if rec == nil {
			return cdn, true
		}
		if rec.blacklisted {
			continue
		}
		if rec.blockedUntil.IsZero() {
			return cdn, true
		}
		if !bestFound || rec.blockedUntil.Before(bestUntil) {
			best = cdn
			bestFound = true
			bestUntil = rec.blockedUntil
		}
	}
	return best, bestFound
}
