// Package crdt wraps an automerge document holding the text of one file and exposes it as an
// update-oriented replica: local edits produce binary updates, remote updates are applied in any
// order and any number of times, and listeners observe every change together with its origin.
package crdt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Origin tags where an update came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginSync   Origin = "sync"
)

// IsLocal reports whether updates with this origin were produced by this replica.
func (o Origin) IsLocal() bool {
	return o == OriginLocal
}

const (
	contentKey    = "content"
	genesisActor  = "00"
	genesisCommit = "genesis"
)

var ErrInvalidUpdate = errors.New("invalid update")

// UpdateFunc observes an update that moved the document.
type UpdateFunc func(update []byte, origin Origin)

var (
	genesisOnce  sync.Once
	genesisBytes []byte
	genesisErr   error
)

// genesis builds the one change every replica starts from. It creates the Text object under
// contentKey with a fixed actor and timestamp so that every replica produces the same change hash.
func genesis() ([]byte, error) {
	genesisOnce.Do(func() {
		doc := automerge.New()
		if err := doc.SetActorID(genesisActor); err != nil {
			genesisErr = fmt.Errorf("failed to set genesis actor: %w", err)
			return
		}
		if err := doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
			genesisErr = fmt.Errorf("failed to create text: %w", err)
			return
		}
		epoch := time.Unix(0, 0).UTC()
		if _, err := doc.Commit(genesisCommit, automerge.CommitOptions{Time: &epoch}); err != nil {
			genesisErr = fmt.Errorf("failed to commit genesis: %w", err)
			return
		}
		genesisBytes = doc.Save()
	})
	return genesisBytes, genesisErr
}

// ActorID maps a replica id to an automerge actor id. Actor ids must be hex, so uuids use their
// raw bytes and anything else is hex encoded as is.
func ActorID(replicaID string) string {
	if u, err := uuid.Parse(replicaID); err == nil {
		return hex.EncodeToString(u[:])
	}
	return hex.EncodeToString([]byte(replicaID))
}

// Document is one replica of a shared text file.
type Document struct {
	replicaID string

	mu        sync.Mutex
	doc       *automerge.Doc
	heads     []automerge.ChangeHash
	genesis   []automerge.ChangeHash
	listeners map[int]UpdateFunc
	nextID    int
}

// New returns an empty document owned by replicaID.
func New(replicaID string) (*Document, error) {
	raw, err := genesis()
	if err != nil {
		return nil, err
	}
	return Load(raw, replicaID)
}

// Load restores a document saved with Save (or the genesis state) and takes ownership of it as
// replicaID.
func Load(raw []byte, replicaID string) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := doc.SetActorID(ActorID(replicaID)); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	g, err := genesis()
	if err != nil {
		return nil, err
	}
	gdoc, err := automerge.Load(g)
	if err != nil {
		return nil, fmt.Errorf("failed to load genesis: %w", err)
	}
	return &Document{
		replicaID: replicaID,
		doc:       doc,
		heads:     doc.Heads(),
		genesis:   gdoc.Heads(),
		listeners: make(map[int]UpdateFunc),
	}, nil
}

func (d *Document) ReplicaID() string {
	return d.replicaID
}

// OnUpdate registers fn for every update that moves the document. Listeners run synchronously
// on the goroutine that caused the update, after the document lock is released.
func (d *Document) OnUpdate(fn UpdateFunc) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Edit runs fn against the text and commits the result as a single local update. An fn that
// changes nothing commits nothing. Changes fn made before returning an error are kept and
// committed like any other edit.
func (d *Document) Edit(fn func(t *Text) error) error {
	d.mu.Lock()
	tx := &Text{t: d.doc.Path(contentKey).Text()}
	fnErr := fn(tx)
	var update []byte
	if tx.dirty {
		if _, err := d.doc.Commit("edit"); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("failed to commit edit: %w", err)
		}
		var err error
		if update, err = d.advance(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if update != nil {
		notify(listeners, update, OriginLocal)
	}
	if fnErr != nil {
		return fmt.Errorf("failed to edit text: %w", fnErr)
	}
	return nil
}

// ApplyUpdate merges an update (or a full state) produced by any replica. Applying an update
// twice, or before its dependencies, is allowed: changes with missing dependencies are held
// until they arrive.
func (d *Document) ApplyUpdate(update []byte, origin Origin) error {
	chunks, err := splitChunks(update)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: failed to load changes: %w", ErrInvalidUpdate, err)
	}
	before := d.heads
	d.heads = d.doc.Heads()
	moved := !equalHeads(before, d.heads)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if moved {
		notify(listeners, update, origin)
	}
	return nil
}

// EncodeStateAsUpdate returns every change of the document in the update encoding.
func (d *Document) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return encodeChanges(changes), nil
}

// String returns the current text.
func (d *Document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.doc.Path(contentKey).Text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Heads returns the hashes of the most recent changes.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]automerge.ChangeHash(nil), d.heads...)
}

// Pristine reports whether the document holds nothing but the genesis change.
func (d *Document) Pristine() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return equalHeads(d.heads, d.genesis)
}

// Save exports the whole document in the automerge save format.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// advance moves the recorded heads and returns the encoded changes made since the last call, or
// nil when nothing changed. Callers hold d.mu.
func (d *Document) advance() ([]byte, error) {
	changes, err := d.doc.Changes(d.heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	d.heads = d.doc.Heads()
	if len(changes) == 0 {
		return nil, nil
	}
	return encodeChanges(changes), nil
}

func (d *Document) snapshotListeners() []UpdateFunc {
	out := make([]UpdateFunc, 0, len(d.listeners))
	for i := 0; i < d.nextID; i++ {
		if fn, ok := d.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(listeners []UpdateFunc, update []byte, origin Origin) {
	for _, fn := range listeners {
		fn(update, origin)
	}
}

func encodeChanges(changes []*automerge.Change) []byte {
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out
}

func equalHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
