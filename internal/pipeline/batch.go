package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
)

// BatchResult aggregates per-document outcomes from one batch run. There is
// no all-or-nothing semantics: each document succeeds, skips or fails on its
// own.
type BatchResult struct {
	Outcomes  []model.Outcome
	Completed int
	Skipped   int
	Failed    int
}

// ProcessBatch drives a set of documents through the pipeline concurrently
// on a bounded worker pool. One document's failure never aborts its siblings;
// the result carries every document's terminal state.
func (o *Orchestrator) ProcessBatch(ctx context.Context, documentIDs []string, workers int) (*BatchResult, error) {
	if len(documentIDs) == 0 {
		return &BatchResult{}, nil
	}
	if workers < 1 {
		workers = 1
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create worker pool")
	}
	defer pool.Release()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		outcomes  = make([]model.Outcome, 0, len(documentIDs))
		submitErr error
	)
	for _, id := range documentIDs {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			outcome, err := o.Process(ctx, id)
			if err != nil {
				zap.L().Error("document rejected",
					zap.String("document_id", id),
					zap.Error(err),
				)
				if outcome.Error == "" {
					outcome.Error = err.Error()
				}
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			submitErr = eris.Wrap(err, "pipeline: submit document")
			break
		}
	}
	// In-flight workers still append to outcomes; never return before they drain.
	wg.Wait()
	if submitErr != nil {
		return nil, submitErr
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].DocumentID < outcomes[j].DocumentID
	})
	result := &BatchResult{Outcomes: outcomes}
	for _, outcome := range outcomes {
		switch outcome.Status {
		case model.DocStatusCompleted:
			result.Completed++
		case model.DocStatusSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	zap.L().Info("batch finished",
		zap.Int("documents", len(documentIDs)),
		zap.Int("completed", result.Completed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}
