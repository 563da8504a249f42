package waterfall

import (
	"sort"
	"sync"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Consolidator merges per-provider answers for each field into one value
// with a composite confidence. It is fed incrementally as calls return; the
// composite is recomputed from the full observation set each time, so the
// outcome is order-independent except for the documented last-writer
// tie-break between otherwise equal candidates.
type Consolidator struct {
	cfg ConsolidationConfig
	// weightOf supplies the provider's historical accuracy for tie-breaks.
	weightOf func(providerID string) float64

	mu     sync.Mutex
	fields map[model.FieldKind][]observation
	seq    int
}

type observation struct {
	providerID string
	value      string
	norm       string
	confidence float64
	seq        int
}

// NewConsolidator creates a consolidator. weightOf may be nil, disabling the
// accuracy tie-break.
func NewConsolidator(cfg ConsolidationConfig, weightOf func(providerID string) float64) *Consolidator {
	if cfg.AgreementBoost <= 0 {
		cfg.AgreementBoost = 15
	}
	if cfg.DisagreementPenalty < 0 {
		cfg.DisagreementPenalty = 0
	}
	if cfg.DefaultProviderConfidence <= 0 {
		cfg.DefaultProviderConfidence = 50
	}
	return &Consolidator{
		cfg:      cfg,
		weightOf: weightOf,
		fields:   make(map[model.FieldKind][]observation),
	}
}

// Observe records one provider's answer for one field. A provider observed
// twice for the same field replaces its earlier answer.
func (c *Consolidator) Observe(kind model.FieldKind, providerID, value string, confidence float64) {
	if value == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	obs := observation{
		providerID: providerID,
		value:      value,
		norm:       model.NormalizeValue(kind, value),
		confidence: model.ClampConfidence(confidence),
		seq:        c.seq,
	}
	if obs.confidence == 0 {
		obs.confidence = c.cfg.DefaultProviderConfidence
	}

	existing := c.fields[kind]
	for i, prev := range existing {
		if prev.providerID == providerID {
			existing[i] = obs
			return
		}
	}
	c.fields[kind] = append(existing, obs)
}

// Confidence returns the current winning composite confidence for the
// field, or 0 when nothing has been observed.
func (c *Consolidator) Confidence(kind model.FieldKind) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	winner, _ := c.consolidateLocked(kind)
	if winner == nil {
		return 0
	}
	return winner.confidence
}

// Finalize produces the consolidated field. Requested fields with no
// observations yield a zero-confidence empty field so callers always get
// attribution, even for misses.
func (c *Consolidator) Finalize(kind model.FieldKind) model.ConsolidatedField {
	c.mu.Lock()
	defer c.mu.Unlock()

	winner, rest := c.consolidateLocked(kind)
	if winner == nil {
		return model.ConsolidatedField{}
	}

	out := model.ConsolidatedField{
		Value:          winner.value,
		Confidence:     winner.confidence,
		Sources:        winner.sources,
		AgreementCount: winner.agreement,
	}
	for _, alt := range rest {
		out.Alternatives = append(out.Alternatives, model.AlternativeValue{
			Value:      alt.value,
			Confidence: alt.confidence,
			Sources:    alt.sources,
		})
	}
	return out
}

// candidate is one distinct (normalized) value with its supporters.
type candidate struct {
	norm       string
	value      string
	confidence float64
	agreement  int
	sources    []string
	maxWeight  float64
	lastSeq    int
}

// consolidateLocked groups observations by normalized value and scores each
// group: the best individual confidence, boosted per additional agreeing
// source (the second supporter adds 2x the boost, the third 3x, and so on)
// and penalized per source behind a conflicting value. Caller holds c.mu.
func (c *Consolidator) consolidateLocked(kind model.FieldKind) (*candidate, []candidate) {
	obs := c.fields[kind]
	if len(obs) == 0 {
		return nil, nil
	}

	groups := make(map[string][]observation)
	var order []string
	for _, o := range obs {
		if _, seen := groups[o.norm]; !seen {
			order = append(order, o.norm)
		}
		groups[o.norm] = append(groups[o.norm], o)
	}

	totalSources := len(obs)
	cands := make([]candidate, 0, len(order))
	for _, norm := range order {
		group := groups[norm]

		// Stable ordering inside the group: by arrival.
		sort.Slice(group, func(i, j int) bool { return group[i].seq < group[j].seq })

		cand := candidate{norm: norm, agreement: len(group)}
		best := group[0]
		for _, o := range group {
			cand.sources = append(cand.sources, o.providerID)
			if o.seq > cand.lastSeq {
				cand.lastSeq = o.seq
			}
			if c.weightOf != nil {
				if w := c.weightOf(o.providerID); w > cand.maxWeight {
					cand.maxWeight = w
				}
			}
			// Highest individual confidence carries the display value;
			// later answers win exact ties (the later provider was queried
			// to adjudicate).
			if o.confidence > best.confidence || (o.confidence == best.confidence && o.seq > best.seq) {
				best = o
			}
		}
		cand.value = best.value

		composite := best.confidence
		for i := 2; i <= cand.agreement; i++ {
			composite += c.cfg.AgreementBoost * float64(i)
		}
		composite -= c.cfg.DisagreementPenalty * float64(totalSources-cand.agreement)
		cand.confidence = model.ClampConfidence(composite)

		cands = append(cands, cand)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.maxWeight != b.maxWeight {
			return a.maxWeight > b.maxWeight
		}
		// Last-writer tie-break.
		return a.lastSeq > b.lastSeq
	})

	winner := cands[0]
	return &winner, cands[1:]
}
