package scheduler

import (
	"sort"
	"sync"
)

// RankedPrioritizer is a Prioritizer ordering CDNs by an integer rank
// shared across every request of a playback session. Downgrading a CDN
// moves it behind all others and wakes up requests waiting out a backoff.
type RankedPrioritizer struct {
	mu      sync.Mutex
	rank    map[*Cdn]int
	maxRank int
	nextSub int
	subs    map[int]chan struct{}
}

// NewRankedPrioritizer creates an empty prioritizer; CDNs it has never
// seen keep their caller-supplied order.
func NewRankedPrioritizer() *RankedPrioritizer {
	return &RankedPrioritizer{
		rank: make(map[*Cdn]int),
		subs: make(map[int]chan struct{}),
	}
}

// CdnPreference returns the CDNs sorted by rank, keeping the original
// order among CDNs of equal rank.
func (p *RankedPrioritizer) CdnPreference(cdns []*Cdn) []*Cdn {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := append([]*Cdn(nil), cdns...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return p.rank[ordered[i]] < p.rank[ordered[j]]
	})
	return ordered
}

// Downgrade moves the CDN behind every other known CDN and notifies
// subscribers of the priority change.
func (p *RankedPrioritizer) Downgrade(cdn *Cdn) {
	p.mu.Lock()
	p.maxRank++
	p.rank[cdn] = p.maxRank
	subs := make([]chan struct{}, 0, len(p.subs))
	for _, ch := range p.subs {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a priority-change listener.
func (p *RankedPrioritizer) Subscribe() (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	ch := make(chan struct{}, 1)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}
