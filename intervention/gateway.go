package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// outcome is what a waiter receives when its request settles.
type outcome struct {
	resolution types.Resolution
	voided     bool
}

// Gateway is the human intervention gateway. Raise persists a request
// and returns its pending ID; Await blocks until that request is
// resolved or voided; Resolve applies a human decision exactly once.
//
// Await consults the store before subscribing, so a request resolved
// while no process was waiting (for example across a restart) resumes
// immediately.
//
// mu guards only the in-memory maps; the read-check-write against the
// store happens under a per-pending-ID lock, so one resolver's store
// round-trip never blocks waiters on other requests.
type Gateway struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan outcome
	settles map[string]*sync.Mutex
}

// NewGateway creates a gateway over the given store.
func NewGateway(store Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:   store,
		logger:  logger.With(zap.String("component", "intervention_gateway")),
		waiters: make(map[string][]chan outcome),
		settles: make(map[string]*sync.Mutex),
	}
}

// Raise persists a new intervention request and returns its pending ID.
// The request is durable before Raise returns.
func (g *Gateway) Raise(ctx context.Context, req *types.InterventionRequest) (string, error) {
	if req.PendingID == "" {
		req.PendingID = uuid.NewString()
	}
	req.Status = types.InterventionPending
	req.CreatedAt = time.Now()

	if err := g.store.Save(ctx, req); err != nil {
		return "", fmt.Errorf("failed to persist intervention request: %w", err)
	}

	g.logger.Info("intervention raised",
		zap.String("pending_id", req.PendingID),
		zap.String("run_id", req.RunID),
		zap.String("stage", req.Stage),
		zap.Int("attempts", len(req.Attempts)))
	return req.PendingID, nil
}

// Await blocks until the request is resolved or voided, or ctx is done.
func (g *Gateway) Await(ctx context.Context, pendingID string) (types.Resolution, error) {
	ch := g.subscribe(pendingID)
	defer g.unsubscribe(pendingID, ch)

	// A decision may already be on record, from before a restart or
	// from a resolve that beat the subscription.
	req, err := g.store.Get(ctx, pendingID)
	if err != nil {
		if err == ErrNotFound {
			return types.Resolution{}, types.NewError(types.ErrPendingNotFound,
				fmt.Sprintf("no intervention with pending id %s", pendingID))
		}
		return types.Resolution{}, fmt.Errorf("failed to load intervention request: %w", err)
	}
	switch req.Status {
	case types.InterventionResolved:
		return *req.Resolution, nil
	case types.InterventionVoided:
		return types.Resolution{}, types.NewError(types.ErrResolutionVoided,
			"intervention was voided")
	}

	select {
	case out := <-ch:
		if out.voided {
			return types.Resolution{}, types.NewError(types.ErrResolutionVoided,
				"intervention was voided")
		}
		return out.resolution, nil
	case <-ctx.Done():
		return types.Resolution{}, ctx.Err()
	}
}

// Resolve applies a human decision to a pending request. The first
// resolution wins; a duplicate is logged and ignored without error.
func (g *Gateway) Resolve(ctx context.Context, pendingID string, res types.Resolution) error {
	if !res.Type.IsValid() {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown resolution type %q", res.Type))
	}
	if res.Type == types.ResolutionProvideCorrected && res.Content == "" {
		return types.NewError(types.ErrInvalidRequest,
			"provide_corrected_artifact requires content")
	}

	lock := g.settleLock(pendingID)
	lock.Lock()
	defer lock.Unlock()

	req, err := g.store.Get(ctx, pendingID)
	if err != nil {
		if err == ErrNotFound {
			return types.NewError(types.ErrPendingNotFound,
				fmt.Sprintf("no intervention with pending id %s", pendingID))
		}
		return fmt.Errorf("failed to load intervention request: %w", err)
	}

	if req.Status != types.InterventionPending {
		g.logger.Info("duplicate resolution ignored",
			zap.String("pending_id", pendingID),
			zap.String("status", string(req.Status)))
		g.dropSettleLock(pendingID)
		return nil
	}

	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	req.Status = types.InterventionResolved
	req.Resolution = &res
	if err := g.store.Update(ctx, req); err != nil {
		return fmt.Errorf("failed to persist resolution: %w", err)
	}

	g.logger.Info("intervention resolved",
		zap.String("pending_id", pendingID),
		zap.String("run_id", req.RunID),
		zap.String("type", string(res.Type)),
		zap.String("resolved_by", res.ResolvedBy))

	g.notify(pendingID, outcome{resolution: res})
	g.dropSettleLock(pendingID)
	return nil
}

// Void marks a pending request as voided, typically because its run was
// cancelled. Voiding a settled request is a no-op.
func (g *Gateway) Void(ctx context.Context, pendingID string) error {
	lock := g.settleLock(pendingID)
	lock.Lock()
	defer lock.Unlock()

	req, err := g.store.Get(ctx, pendingID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to load intervention request: %w", err)
	}
	if req.Status != types.InterventionPending {
		g.dropSettleLock(pendingID)
		return nil
	}

	req.Status = types.InterventionVoided
	if err := g.store.Update(ctx, req); err != nil {
		return fmt.Errorf("failed to void intervention: %w", err)
	}

	g.logger.Info("intervention voided",
		zap.String("pending_id", pendingID),
		zap.String("run_id", req.RunID))

	g.notify(pendingID, outcome{voided: true})
	g.dropSettleLock(pendingID)
	return nil
}

// VoidRun voids every pending request for a run.
func (g *Gateway) VoidRun(ctx context.Context, runID string) error {
	pending, err := g.store.ListPending(ctx, runID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := g.Void(ctx, req.PendingID); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the request with the given pending ID.
func (g *Gateway) Get(ctx context.Context, pendingID string) (*types.InterventionRequest, error) {
	req, err := g.store.Get(ctx, pendingID)
	if err == ErrNotFound {
		return nil, types.NewError(types.ErrPendingNotFound,
			fmt.Sprintf("no intervention with pending id %s", pendingID))
	}
	return req, err
}

// Pending lists pending requests, optionally filtered by run.
func (g *Gateway) Pending(ctx context.Context, runID string) ([]*types.InterventionRequest, error) {
	return g.store.ListPending(ctx, runID)
}

// settleLock returns the lock serializing the read-check-write for one
// pending ID. Duplicates arriving after the request settled recreate
// the lock, read the settled status, and no-op.
func (g *Gateway) settleLock(pendingID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.settles[pendingID]
	if !ok {
		lock = &sync.Mutex{}
		g.settles[pendingID] = lock
	}
	return lock
}

// dropSettleLock forgets a settled request's lock. Caller still holds
// the lock itself; later duplicates get a fresh one.
func (g *Gateway) dropSettleLock(pendingID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.settles, pendingID)
}

func (g *Gateway) subscribe(pendingID string) chan outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan outcome, 1)
	g.waiters[pendingID] = append(g.waiters[pendingID], ch)
	return ch
}

func (g *Gateway) unsubscribe(pendingID string, ch chan outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.waiters[pendingID]
	for i, c := range chans {
		if c == ch {
			g.waiters[pendingID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.waiters[pendingID]) == 0 {
		delete(g.waiters, pendingID)
	}
}

// notify delivers the outcome to every waiter. Channels are buffered so
// delivery never blocks the resolver.
func (g *Gateway) notify(pendingID string, out outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[pendingID] {
		select {
		case ch <- out:
		default:
		}
	}
}
