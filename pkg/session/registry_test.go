package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, f *fixture) (*Registry, *int) {
	t.Helper()
	created := 0
	r := NewRegistry(func(key Key) (*Session, error) {
		created++
		if key.DocumentID == "" {
			return nil, errRefused
		}
		return New(Options{
			DocumentID: key.DocumentID,
			ReplicaID:  key.ParticipantID,
			Transport:  f.hub,
			Scheduler:  f.sched,
		}, nil)
	})
	t.Cleanup(func() { _ = r.Close() })
	return r, &created
}

func TestRegistrySharesSessionsPerKey(t *testing.T) {
	r, created := newRegistry(t, newFixture())
	key := Key{DocumentID: "templates/index.json", ParticipantID: "alice"}

	s1, err := r.Acquire(key)
	require.NoError(t, err)
	s2, err := r.Acquire(key)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, *created)

	other, err := r.Acquire(Key{DocumentID: "templates/index.json", ParticipantID: "bob"})
	require.NoError(t, err)
	assert.NotSame(t, s1, other)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(key)
	assert.True(t, ok)
	assert.Same(t, s1, got)
}

func TestRegistryReleaseDestroys(t *testing.T) {
	r, _ := newRegistry(t, newFixture())
	key := Key{DocumentID: "d", ParticipantID: "alice"}
	s, err := r.Acquire(key)
	require.NoError(t, err)

	require.NoError(t, r.Release(key))
	require.NoError(t, r.Release(key))
	assert.Equal(t, StatusDestroyed, s.Status())
	assert.Equal(t, 0, r.Len())

	fresh, err := r.Acquire(key)
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
}

func TestRegistryReplacesDestroyedSessions(t *testing.T) {
	r, created := newRegistry(t, newFixture())
	key := Key{DocumentID: "d", ParticipantID: "alice"}
	s, err := r.Acquire(key)
	require.NoError(t, err)
	require.NoError(t, s.Destroy())

	fresh, err := r.Acquire(key)
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.Equal(t, 2, *created)
}

func TestRegistryCloseDestroysEverything(t *testing.T) {
	f := newFixture()
	r, _ := newRegistry(t, f)
	var sessions []*Session
	for _, p := range []string{"alice", "bob"} {
		s, err := r.Acquire(Key{DocumentID: "d", ParticipantID: p})
		require.NoError(t, err)
		connect(t, s)
		sessions = append(sessions, s)
	}

	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Len())
	for _, s := range sessions {
		assert.Equal(t, StatusDestroyed, s.Status())
	}
	assert.Equal(t, 0, f.hub.Subscribers(ChannelName("d")))
}

func TestRegistryFactoryErrors(t *testing.T) {
	r, _ := newRegistry(t, newFixture())
	_, err := r.Acquire(Key{ParticipantID: "alice"})
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 0, r.Len())
}
