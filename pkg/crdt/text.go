package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Text is the editable view of a document passed to Document.Edit. It is only valid inside the
// edit callback.
type Text struct {
	t *automerge.Text
	// dirty is set once an operation reached the document.
	dirty bool
}

func (t *Text) Len() int {
	return t.t.Len()
}

func (t *Text) String() string {
	s, _ := t.t.Get()
	return s
}

func (t *Text) Insert(pos int, s string) error {
	if pos < 0 || pos > t.t.Len() {
		return fmt.Errorf("insert position %d out of range [0,%d]", pos, t.t.Len())
	}
	if s == "" {
		return nil
	}
	t.dirty = true
	return t.t.Insert(pos, s)
}

func (t *Text) Delete(pos, n int) error {
	if pos < 0 || n < 0 || pos+n > t.t.Len() {
		return fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+n, t.t.Len())
	}
	if n == 0 {
		return nil
	}
	t.dirty = true
	return t.t.Delete(pos, n)
}

// Splice deletes n characters at pos and inserts s in their place.
func (t *Text) Splice(pos, n int, s string) error {
	if err := t.Delete(pos, n); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	return t.Insert(pos, s)
}

func (t *Text) Append(s string) error {
	return t.Insert(t.t.Len(), s)
}

// Replace swaps the whole text for s.
func (t *Text) Replace(s string) error {
	return t.Splice(0, t.t.Len(), s)
}
