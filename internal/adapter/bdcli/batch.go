package bdcli

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/beadsboard/internal/breaker"
	"github.com/steveyegge/beadsboard/internal/errs"
)

// fetchDetails runs bd show over ids in batches of BatchSize. Each batch is
// one breaker call: when the batch command fails every id is retried on
// its own, ids that still fail are dropped, and only a batch in which no
// id succeeded counts as a breaker failure.
//
// An open circuit aborts the fetch. Batches that fail completely are
// dropped too unless every batch failed.
func (a *Adapter) fetchDetails(ctx context.Context, ids []string) (map[string]*issue, error) {
	out := make(map[string]*issue, len(ids))
	var lastErr error
	failedBatches, batches := 0, 0

	for start := 0; start < len(ids); start += a.cfg.BatchSize {
		batch := ids[start:min(start+a.cfg.BatchSize, len(ids))]
		batches++

		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.fetchBatch(ctx, batch, out)
		})
		switch {
		case err == nil:
		case errors.Is(err, breaker.ErrOpen):
			if a.cfg.OnRejected != nil {
				a.cfg.OnRejected()
			}
			return nil, err
		case ctx.Err() != nil:
			return nil, errs.E(errs.KindTransient, "bd show", ctx.Err())
		default:
			failedBatches++
			lastErr = err
		}
	}

	if batches > 0 && failedBatches == batches {
		return nil, lastErr
	}
	return out, nil
}

// fetchBatch fills out with the details of batch. It fails only when no id
// could be fetched.
func (a *Adapter) fetchBatch(ctx context.Context, batch []string, out map[string]*issue) error {
	args := make([]string, 0, len(batch)+2)
	args = append(args, "show")
	args = append(args, batch...)
	args = append(args, "--json")

	raw, err := a.run(ctx, args...)
	if err == nil {
		var issues []issue
		if issues, err = parseIssues(raw); err == nil {
			for i := range issues {
				out[issues[i].ID] = &issues[i]
			}
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.logger.Printf("Batch show of %d items failed, retrying individually: %v", len(batch), errs.Message(err))

	fetched := 0
	var lastErr error
	var dropped []string
	for _, id := range batch {
		is, err := a.fetchOne(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			dropped = append(dropped, id)
			continue
		}
		out[id] = is
		fetched++
	}
	if len(dropped) > 0 {
		a.logger.Printf("Dropped %d items whose details could not be fetched: %v", len(dropped), dropped)
		if a.cfg.OnDropped != nil {
			a.cfg.OnDropped(len(dropped))
		}
	}
	if fetched == 0 {
		return errs.E(errs.KindTransient, "bd show",
			fmt.Errorf("all %d items in the batch failed: %w", len(batch), lastErr))
	}
	return nil
}

func (a *Adapter) fetchOne(ctx context.Context, id string) (*issue, error) {
	raw, err := a.run(ctx, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(raw)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		if issues[i].ID == id {
			return &issues[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
}
