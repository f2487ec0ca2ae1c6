package bizguard

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// EvaluationRequest is one entry of a batch.
type EvaluationRequest struct {
	Subject  *Subject
	Context  *TenantContext
	Resource *Resource
	Action   Action
	Request  *RequestContext
}

// BatchEvaluate evaluates requests concurrently, bounded by Config.BatchWorkers.
// Results keep the request order. The batch fails only when ctx is cancelled,
// in which case ErrCanceled is returned and no partial result.
func (e *Engine) BatchEvaluate(ctx context.Context, requests []EvaluationRequest) ([]*Decision, error) {
	decisions := make([]*Decision, len(requests))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(e.cfg.BatchWorkers, 1))

	for i, req := range requests {
		eg.Go(func() error {
			d, err := e.Evaluate(ctx, req.Subject, req.Context, req.Resource, req.Action, req.Request)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return decisions, nil
}
