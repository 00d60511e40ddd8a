package gc

import (
	"context"

	"github.com/rossvm/ross/lock"
)

// Module is a typed GC participant. S is the snapshot shape ReadDB produces;
// Resolve sees its own snapshot typed and every other registered module's
// snapshot as any (so one module can, e.g., protect blobs another module's
// records still reference). A Module value is stateless — all state lives
// in the closures its owner captures when building one (see
// vmsupervisor/gc.go; store's GarbageCollect takes extraBlobs directly
// rather than registering through this orchestrator — see DESIGN.md).
type Module[S any] struct {
	Name    string
	Locker  lock.Locker
	ReadDB  func(ctx context.Context) (S, error)
	Resolve func(snap S, others map[string]any) []string
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(typed, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
