package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

// WriteBehind collects the latest graph per diagram and saves them on an interval.
type WriteBehind struct {
	store    *Store
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]*diagram.Graph
}

func NewWriteBehind(store *Store, interval time.Duration) *WriteBehind {
	return &WriteBehind{store: store, interval: interval, dirty: map[string]*diagram.Graph{}}
}

// Mark queues g to be saved under id on the next flush. Later marks of the same id replace earlier ones. The graph is
// copied.
func (w *WriteBehind) Mark(id string, g *diagram.Graph) {
	g = g.Clone()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty[id] = g
}

// Flush saves everything marked since the previous flush. Diagrams that fail to save are kept for the next attempt
// unless they were marked again in the meantime.
func (w *WriteBehind) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.dirty
	w.dirty = map[string]*diagram.Graph{}
	w.mu.Unlock()

	var errs []error
	for id, g := range batch {
		changed, err := w.store.Save(ctx, id, g)
		if err != nil {
			errs = append(errs, err)
			w.mu.Lock()
			if _, ok := w.dirty[id]; !ok {
				w.dirty[id] = g
			}
			w.mu.Unlock()
			continue
		}
		if changed {
			w.store.logger.Info("backed up", "diagram", id, "nodes", len(g.Nodes), "edges", len(g.Edges))
		}
	}
	return errors.Join(errs...)
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (w *WriteBehind) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := w.Flush(ctx); err != nil {
				w.store.logger.Error("failed to backup diagrams", "err", err)
			}
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				w.store.logger.Error("failed final backup of diagrams", "err", err)
			}
			return
		}
	}
}
