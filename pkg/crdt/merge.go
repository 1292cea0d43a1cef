package crdt

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// MergeUpdates combines updates into one. The result is the chunks of every input in the order
// they were first seen, with repeated chunks dropped, so merging is lossless and the result
// applies exactly like the inputs applied one after another. Inputs do not need to carry their
// dependencies.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[string]struct{})
	var out []byte
	for i, u := range updates {
		chunks, err := splitChunks(u)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		for _, c := range chunks {
			if _, ok := seen[string(c)]; ok {
				continue
			}
			seen[string(c)] = struct{}{}
			out = append(out, c...)
		}
	}
	return out, nil
}

// Revision describes one change in a document's history.
type Revision struct {
	Hash         automerge.ChangeHash
	Actor        string
	Seq          uint64
	Message      string
	Time         time.Time
	Dependencies []automerge.ChangeHash
	// Text is the document text as of this change.
	Text string
}

// History lists every change of the document in causal order along with the text at that point.
func (d *Document) History() ([]Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, c := range changes {
		at, err := d.doc.Fork(c.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", c.Hash(), err)
		}
		text, _ := at.Path(contentKey).Text().Get()
		out = append(out, Revision{
			Hash:         c.Hash(),
			Actor:        c.ActorID(),
			Seq:          c.ActorSeq(),
			Message:      c.Message(),
			Time:         c.Timestamp(),
			Dependencies: c.Dependencies(),
			Text:         text,
		})
	}
	return out, nil
}
