package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

func newTestGateways(t *testing.T) map[string]*Gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]*Gateway{
		"memory": NewGateway(NewMemoryStore(zap.NewNop()), zap.NewNop()),
		"redis":  NewGateway(NewRedisStoreWithClient(client, "test:", zap.NewNop()), zap.NewNop()),
	}
}

func newRequest(runID string) *types.InterventionRequest {
	return &types.InterventionRequest{
		RunID:       runID,
		ExecutionID: "exec-1",
		Stage:       "analysis",
		OutputName:  "acceptance_criteria",
		Attempts: []types.Attempt{
			{Seq: 1, Output: "candidate one"},
			{Seq: 2, Output: "candidate two"},
		},
	}
}

func TestGatewayRaiseAndResolve(t *testing.T) {
	for name, g := range newTestGateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pendingID, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatalf("Raise: %v", err)
			}
			if pendingID == "" {
				t.Fatal("empty pending ID")
			}

			done := make(chan types.Resolution, 1)
			go func() {
				res, err := g.Await(ctx, pendingID)
				if err != nil {
					t.Errorf("Await: %v", err)
				}
				done <- res
			}()

			// Give the waiter time to subscribe, then resolve.
			time.Sleep(20 * time.Millisecond)
			err = g.Resolve(ctx, pendingID, types.Resolution{
				Type:       types.ResolutionApproveAsIs,
				ResolvedBy: "reviewer@example.com",
			})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}

			select {
			case res := <-done:
				if res.Type != types.ResolutionApproveAsIs {
					t.Errorf("resolution type = %s", res.Type)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Await never returned")
			}
		})
	}
}

func TestGatewayDuplicateResolutionIsNoOp(t *testing.T) {
	for name, g := range newTestGateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pendingID, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatal(err)
			}

			first := types.Resolution{Type: types.ResolutionApproveAsIs, ResolvedBy: "alice"}
			if err := g.Resolve(ctx, pendingID, first); err != nil {
				t.Fatalf("first Resolve: %v", err)
			}

			// The duplicate must not error and must not change the outcome.
			second := types.Resolution{Type: types.ResolutionAbortRun, ResolvedBy: "bob"}
			if err := g.Resolve(ctx, pendingID, second); err != nil {
				t.Fatalf("duplicate Resolve should be a no-op: %v", err)
			}

			req, err := g.Get(ctx, pendingID)
			if err != nil {
				t.Fatal(err)
			}
			if req.Resolution.Type != types.ResolutionApproveAsIs || req.Resolution.ResolvedBy != "alice" {
				t.Errorf("first resolution should win: %+v", req.Resolution)
			}
		})
	}
}

func TestGatewayAwaitAfterResolve(t *testing.T) {
	// A request resolved while nobody was waiting (restart scenario)
	// must resume immediately.
	for name, g := range newTestGateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pendingID, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatal(err)
			}
			res := types.Resolution{
				Type:    types.ResolutionProvideCorrected,
				Content: "# Corrected\n\ncontent",
			}
			if err := g.Resolve(ctx, pendingID, res); err != nil {
				t.Fatal(err)
			}

			awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			got, err := g.Await(awaitCtx, pendingID)
			if err != nil {
				t.Fatalf("Await after resolve: %v", err)
			}
			if got.Content != res.Content {
				t.Errorf("content = %q", got.Content)
			}
		})
	}
}

func TestGatewayVoid(t *testing.T) {
	for name, g := range newTestGateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p1, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatal(err)
			}
			p2, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatal(err)
			}
			other, err := g.Raise(ctx, newRequest("run-2"))
			if err != nil {
				t.Fatal(err)
			}

			errCh := make(chan error, 1)
			go func() {
				_, err := g.Await(ctx, p1)
				errCh <- err
			}()
			time.Sleep(20 * time.Millisecond)

			if err := g.VoidRun(ctx, "run-1"); err != nil {
				t.Fatalf("VoidRun: %v", err)
			}

			select {
			case err := <-errCh:
				if types.GetErrorCode(err) != types.ErrResolutionVoided {
					t.Errorf("Await error = %v, want voided", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Await never returned after void")
			}

			// A late resolve on a voided request is a logged no-op.
			if err := g.Resolve(ctx, p2, types.Resolution{Type: types.ResolutionApproveAsIs}); err != nil {
				t.Fatalf("late Resolve on voided request: %v", err)
			}

			// The other run's request is untouched.
			pending, err := g.Pending(ctx, "run-2")
			if err != nil {
				t.Fatal(err)
			}
			if len(pending) != 1 || pending[0].PendingID != other {
				t.Errorf("run-2 pending = %+v", pending)
			}
		})
	}
}

func TestGatewayRejectsInvalidResolutions(t *testing.T) {
	g := NewGateway(NewMemoryStore(zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	pendingID, err := g.Raise(ctx, newRequest("run-1"))
	if err != nil {
		t.Fatal(err)
	}

	err = g.Resolve(ctx, pendingID, types.Resolution{Type: "retry_harder"})
	if types.GetErrorCode(err) != types.ErrInvalidRequest {
		t.Errorf("unknown type: err = %v", err)
	}

	err = g.Resolve(ctx, pendingID, types.Resolution{Type: types.ResolutionProvideCorrected})
	if types.GetErrorCode(err) != types.ErrInvalidRequest {
		t.Errorf("corrected without content: err = %v", err)
	}

	err = g.Resolve(ctx, "no-such-id", types.Resolution{Type: types.ResolutionApproveAsIs})
	if types.GetErrorCode(err) != types.ErrPendingNotFound {
		t.Errorf("unknown pending id: err = %v", err)
	}
}

func TestGatewayPendingListing(t *testing.T) {
	for name, g := range newTestGateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p1, err := g.Raise(ctx, newRequest("run-1"))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := g.Raise(ctx, newRequest("run-2")); err != nil {
				t.Fatal(err)
			}

			all, err := g.Pending(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 {
				t.Errorf("all pending = %d, want 2", len(all))
			}

			if err := g.Resolve(ctx, p1, types.Resolution{Type: types.ResolutionApproveAsIs}); err != nil {
				t.Fatal(err)
			}
			all, err = g.Pending(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("pending after resolve = %d, want 1", len(all))
			}
		})
	}
}

// blockingStore stalls Update for one pending ID so tests can observe a
// resolver mid store round-trip.
type blockingStore struct {
	Store
	blockID string
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Update(ctx context.Context, req *types.InterventionRequest) error {
	if req.PendingID == s.blockID {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.Update(ctx, req)
}

func TestGatewaySlowResolveDoesNotBlockOtherRequests(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{
		Store:   NewMemoryStore(zap.NewNop()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGateway(store, zap.NewNop())

	slowID, err := g.Raise(ctx, newRequest("run-slow"))
	if err != nil {
		t.Fatal(err)
	}
	fastID, err := g.Raise(ctx, newRequest("run-fast"))
	if err != nil {
		t.Fatal(err)
	}
	store.blockID = slowID

	done := make(chan error, 1)
	go func() {
		done <- g.Resolve(ctx, slowID, types.Resolution{Type: types.ResolutionApproveAsIs})
	}()
	<-store.entered

	// While the slow resolver sits in its store round-trip, another
	// request must still resolve and wake its waiter.
	if err := g.Resolve(ctx, fastID, types.Resolution{Type: types.ResolutionApproveAsIs}); err != nil {
		t.Fatalf("Resolve while another resolve is in flight: %v", err)
	}
	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := g.Await(awaitCtx, fastID); err != nil {
		t.Fatalf("Await while another resolve is in flight: %v", err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("slow Resolve: %v", err)
	}
}
