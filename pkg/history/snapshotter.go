package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/astromechza/theme-collab/pkg/crdt"
)

// Snapshotter periodically records the text of the documents it tracks.
type Snapshotter struct {
	store *Store
	log   *slog.Logger
	now   func() time.Time

	docs sync.Map
}

func NewSnapshotter(store *Store, log *slog.Logger) *Snapshotter {
	if log == nil {
		log = slog.Default()
	}
	return &Snapshotter{store: store, log: log, now: time.Now}
}

// Track adds doc under documentID. Tracking the same id again replaces the document.
func (s *Snapshotter) Track(documentID string, doc *crdt.Document) {
	s.docs.Store(documentID, doc)
}

func (s *Snapshotter) Untrack(documentID string) {
	s.docs.Delete(documentID)
}

// Snapshot records every tracked document whose text changed since its last version.
func (s *Snapshotter) Snapshot(ctx context.Context) {
	s.docs.Range(func(key, value any) bool {
		id := key.(string)
		doc := value.(*crdt.Document)
		heads := make([]string, 0, 1)
		for _, h := range doc.Heads() {
			heads = append(heads, h.String())
		}
		if ok, err := s.store.Record(ctx, id, doc.String(), strings.Join(heads, ","), s.now()); err != nil {
			s.log.Error("failed to snapshot document", "document", id, "err", err)
		} else if ok {
			s.log.Info("snapshotted", "document", id, "heads", heads)
		}
		return ctx.Err() == nil
	})
}

// Run snapshots on every tick until ctx is done, then takes a final snapshot.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Snapshot(ctx)
		case <-ctx.Done():
			s.Snapshot(context.WithoutCancel(ctx))
			return
		}
	}
}
