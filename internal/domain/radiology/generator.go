package radiology

import (
	"context"
	"fmt"
	"time"
)

// Generator produces accession numbers from a pattern template backed by a
// persisted, date-keyed sequence counter. The counter increment is atomic
// in the repository, so concurrent calls for one date key receive distinct,
// gapless values. A new date key starts its sequence at 1, which gives the
// daily reset for date-bearing patterns.
type Generator struct {
	seqs SequenceRepository
}

func NewGenerator(seqs SequenceRepository) *Generator {
	return &Generator{seqs: seqs}
}

// Generate renders the next accession number for the given facility and
// pattern on the given day.
func (g *Generator) Generate(ctx context.Context, facilityCode, pattern string, today time.Time) (string, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return "", err
	}

	key := p.DateKey(today)
	seq, err := g.seqs.NextValue(ctx, key)
	if err != nil {
		return "", fmt.Errorf("accession sequence for key %s: %w", key, err)
	}

	return p.Render(facilityCode, today, seq), nil
}
