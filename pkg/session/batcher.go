package session

import (
	"log/slog"
	"time"

	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/schedule"
)

// batcher coalesces local updates into a single broadcast. Each add restarts the debounce
// timer, bounded by maxDelay counted from the first pending update when maxDelay is set. The
// caller holds the session lock for every method and for emit.
type batcher struct {
	interval time.Duration
	maxDelay time.Duration
	now      func() time.Time
	after    func(time.Duration, func()) schedule.Timer
	emit     func(update []byte)
	log      *slog.Logger

	pending []byte
	first   time.Time
	timer   schedule.Timer
}

// add merges update into the pending batch. When arm is false the batch is only kept, for
// example while the session is offline.
func (b *batcher) add(update []byte, arm bool) {
	if b.pending == nil {
		b.pending = append([]byte(nil), update...)
		b.first = b.now()
	} else if merged, err := crdt.MergeUpdates(b.pending, update); err != nil {
		b.log.Warn("failed to merge pending updates, sending batch early", "err", err)
		b.flush()
		b.pending = append([]byte(nil), update...)
		b.first = b.now()
	} else {
		b.pending = merged
	}
	if arm {
		b.arm()
	}
}

func (b *batcher) arm() {
	if b.pending == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delay := b.interval
	if b.maxDelay <= 0 {
		b.timer = b.after(delay, b.flush)
		return
	}
	if remaining := b.maxDelay - b.now().Sub(b.first); remaining < delay {
		delay = max(remaining, 0)
	}
	b.timer = b.after(delay, b.flush)
}

// flush emits the pending batch now, if there is one.
func (b *batcher) flush() {
	b.stop()
	if b.pending == nil {
		return
	}
	update := b.pending
	b.pending = nil
	b.emit(update)
}

// stop cancels the timer but keeps the pending batch for a later flush.
func (b *batcher) stop() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// discard drops the pending batch, typically because a full state is about to be sent.
func (b *batcher) discard() {
	b.stop()
	b.pending = nil
}

func (b *batcher) hasPending() bool {
	return b.pending != nil
}
