package discovery

import (
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/blacklist"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domainname"
)

// Stats counts what happened to the raw ads of one discovery.
type Stats struct {
	Scanned     int `json:"scanned"`
	Malformed   int `json:"malformed"`
	NoURL       int `json:"no_url"`
	Blacklisted int `json:"blacklisted"`
	BelowSpend  int `json:"below_spend"`
	Kept        int `json:"kept"`
}

// Discarded is the number of ads that did not reach a candidate.
func (s Stats) Discarded() int {
	return s.Malformed + s.NoURL + s.Blacklisted + s.BelowSpend
}

// Normalizer turns raw ads into candidates deduplicated by registrable domain.
// Ads are fed page by page with Add; Candidates returns the merged result.
type Normalizer struct {
	blacklist *blacklist.Filter
	minSpend  float64
	now       func() time.Time
	byDomain  map[string]*domain.ProductCandidate
	order     []string
	stats     Stats
}

// NewNormalizer creates a Normalizer. A nil filter excludes nothing.
func NewNormalizer(filter *blacklist.Filter, minSpendUSD float64, now func() time.Time) *Normalizer {
	if filter == nil {
		filter = blacklist.Empty()
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		blacklist: filter,
		minSpend:  minSpendUSD,
		now:       now,
		byDomain:  make(map[string]*domain.ProductCandidate),
	}
}

// Add folds a batch of raw ads into the candidate set.
func (n *Normalizer) Add(ads []RawAd) {
	now := n.now()
	for i := range ads {
		n.add(ads[i], now)
	}
}

// AddMalformed records ads that were scanned but could not be decoded.
func (n *Normalizer) AddMalformed(count int) {
	n.stats.Scanned += count
	n.stats.Malformed += count
}

func (n *Normalizer) add(ad RawAd, now time.Time) {
	n.stats.Scanned++

	landing := ad.LandingURL()
	registrable, err := domainname.FromURL(landing)
	if err != nil {
		n.stats.NoURL++
		return
	}
	if n.blacklist.Contains(registrable) {
		n.stats.Blacklisted++
		return
	}
	spend := ad.SpendEstimate()
	if spend < n.minSpend {
		n.stats.BelowSpend++
		return
	}
	n.stats.Kept++

	candidate, ok := n.byDomain[registrable]
	if !ok {
		candidate = &domain.ProductCandidate{
			Domain:     registrable,
			LandingURL: landing,
		}
		n.byDomain[registrable] = candidate
		n.order = append(n.order, registrable)
	}

	candidate.AdsCount++
	candidate.AdSpendUSD += spend
	if id := ad.Identifier(); id != "" {
		candidate.AdIDs = appendUnique(candidate.AdIDs, id)
	}
	if candidate.BrandName == "" {
		candidate.BrandName = ad.Brand()
	}
	mergeIntel(&candidate.Intel, ad, now)
}

// Stats returns the counters so far.
func (n *Normalizer) Stats() Stats {
	return n.stats
}

// Len returns the number of distinct candidates so far.
func (n *Normalizer) Len() int {
	return len(n.order)
}

// Candidates returns up to maxCandidates candidates in first-seen order.
// A non-positive maxCandidates returns all of them.
func (n *Normalizer) Candidates(maxCandidates int) []domain.ProductCandidate {
	limit := len(n.order)
	if maxCandidates > 0 && maxCandidates < limit {
		limit = maxCandidates
	}

	out := make([]domain.ProductCandidate, 0, limit)
	for _, d := range n.order[:limit] {
		out = append(out, *n.byDomain[d])
	}
	return out
}
