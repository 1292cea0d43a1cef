package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/theme-collab/pkg/awareness"
	"github.com/astromechza/theme-collab/pkg/schedule"
	"github.com/astromechza/theme-collab/pkg/transport"
)

const (
	DefaultDebounceInterval  = 50 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSyncTimeout       = 2 * time.Second
	DefaultPresenceTimeout   = 60 * time.Second
	DefaultSendTimeout       = 5 * time.Second
)

type Options struct {
	DocumentID string
	// ReplicaID identifies this session on the channel. A random uuid is used when empty.
	ReplicaID string
	// Identity is announced as the local presence once connected.
	Identity *awareness.State

	Transport transport.Transport
	Scheduler schedule.Scheduler
	Logger    *slog.Logger
	Metrics   *Metrics

	// DebounceInterval is the quiet period after the last local edit before a batch is sent.
	DebounceInterval time.Duration
	// MaxBatchDelay caps how long continuous typing can hold a batch back. Zero leaves the
	// debounce uncapped.
	MaxBatchDelay     time.Duration
	HeartbeatInterval time.Duration
	// SyncTimeout is how long to wait for a sync-response before assuming the document is synced.
	SyncTimeout time.Duration
	// PresenceTimeout evicts peers whose presence was not renewed. It must exceed the heartbeat.
	PresenceTimeout time.Duration
	SendTimeout     time.Duration
}

func (o *Options) setDefaults() {
	if o.ReplicaID == "" {
		o.ReplicaID = uuid.NewString()
	}
	if o.Scheduler == nil {
		o.Scheduler = schedule.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.DebounceInterval == 0 {
		o.DebounceInterval = DefaultDebounceInterval
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SyncTimeout == 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
	if o.PresenceTimeout == 0 {
		o.PresenceTimeout = DefaultPresenceTimeout
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
}

func (o Options) validate() error {
	var errs []error
	if o.DocumentID == "" {
		errs = append(errs, errors.New("document id is required"))
	}
	if o.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if o.DebounceInterval < 0 || o.MaxBatchDelay < 0 || o.SyncTimeout < 0 || o.SendTimeout < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if o.MaxBatchDelay > 0 && o.MaxBatchDelay < o.DebounceInterval {
		errs = append(errs, fmt.Errorf("max batch delay %s is shorter than debounce %s", o.MaxBatchDelay, o.DebounceInterval))
	}
	if o.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if o.PresenceTimeout <= o.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("presence timeout %s must exceed heartbeat %s", o.PresenceTimeout, o.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

// ChannelName is the broadcast channel every replica of documentID joins.
func ChannelName(documentID string) string {
	return "document:" + documentID
}
