package bulk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/input"
	"github.com/wegman-software/osm2apidb-go/internal/mode"
)

// Run drives a whole session over src: the counting pass when the mode
// needs one, Open, every element in input order and FinalizePartial. The
// caller still owns the writer and must Close it.
func (w *Writer) Run(ctx context.Context, src input.Source) error {
	var counts *mode.Counts
	if w.NeedsCount() {
		start := time.Now()
		c, err := countSource(ctx, src)
		if err != nil {
			return err
		}
		counts = c
		w.log.Info("Counting pass complete",
			append(counts.Fields(), zap.Duration("elapsed", time.Since(start)))...)
	}

	if err := w.Open(ctx, counts); err != nil {
		return err
	}

	scanner, err := src.Open(ctx)
	if err != nil {
		return w.fail(ErrStaging, err)
	}
	defer scanner.Close()

	for scanner.Scan() {
		if err := w.Write(ctx, scanner.Object()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return w.fail(ErrStaging, fmt.Errorf("failed to read %s: %w", src.Name(), err))
	}

	return w.FinalizePartial(ctx)
}

func countSource(ctx context.Context, src input.Source) (*mode.Counts, error) {
	scanner, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaging, err)
	}
	defer scanner.Close()

	counts, err := mode.Count(ctx, scanner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaging, err)
	}
	return counts, nil
}
