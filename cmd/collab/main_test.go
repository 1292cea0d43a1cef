package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/theme-collab/pkg/config"
	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/history"
	"github.com/astromechza/theme-collab/pkg/session"
	"github.com/astromechza/theme-collab/pkg/transport/memory"
)

func TestInspectRendersDump(t *testing.T) {
	dir := t.TempDir()
	doc, err := crdt.New("a")
	require.NoError(t, err)
	require.NoError(t, doc.Edit(func(tx *crdt.Text) error { return tx.Append("{{ content_for_header }}") }))
	dump := filepath.Join(dir, "a.automerge")
	require.NoError(t, os.WriteFile(dump, doc.Save(), 0o600))

	svg := filepath.Join(dir, "graph.svg")
	require.NoError(t, mainInner([]string{"inspect", dump, "--out", svg, "--log-level", "warn"}))
	raw, err := os.ReadFile(svg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}

func TestInspectRejectsGarbage(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "bad.automerge")
	require.NoError(t, os.WriteFile(dump, []byte("nope"), 0o600))
	assert.Error(t, mainInner([]string{"inspect", dump, "--log-level", "error"}))
}

func TestHistoryListsVersions(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.sqlite3")
	store, err := history.Open(db)
	require.NoError(t, err)
	_, err = store.Record(context.Background(), "header", "<header>\n</header>", "", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"history", "--db", db, "--document", "header", "--log-level", "warn"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "FIRST LINE")
	assert.Contains(t, out.String(), `"<header>"`)
}

func TestJoinFlagsOverrideConfig(t *testing.T) {
	cmd := newJoinCommand(&rootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--document", "layout/theme.liquid", "--transport", "redis", "--name", "Bob"}))
	opts := &joinOptions{document: "layout/theme.liquid", transport: "redis", name: "Bob", url: "ignored"}

	cfg := opts.apply(cmd, config.Default())
	assert.Equal(t, "layout/theme.liquid", cfg.Document)
	assert.Equal(t, config.TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "Bob", cfg.User.Name)
	assert.Equal(t, config.Default().Transport.Websocket.URL, cfg.Transport.Websocket.URL)
}

func TestBuildTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	tr, closeFn, err := buildTransport(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, tr)
	assert.NoError(t, closeFn())

	cfg.Transport.Kind = config.TransportWebsocket
	cfg.Transport.Websocket.URL = "ftp://example.com"
	_, _, err = buildTransport(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSameUserInTwoProcessesSeesBothSessions(t *testing.T) {
	cfg := config.Default()
	cfg.User.Name = "Alice"
	hub := memory.NewHub()
	key := session.Key{DocumentID: "sections/header.liquid", ParticipantID: "alice"}

	var sessions []*session.Session
	for i := 0; i < 2; i++ {
		opts := sessionOptions(cfg, key, hub, nil)
		assert.Equal(t, "alice", opts.Identity.UserID)
		s, err := session.New(opts, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Destroy() })
		require.NoError(t, s.Connect(context.Background()))
		sessions = append(sessions, s)
	}
	a, b := sessions[0], sessions[1]
	require.NotEqual(t, a.ReplicaID(), b.ReplicaID())

	require.Eventually(t, func() bool {
		return len(a.Awareness().States()) == 2 && len(b.Awareness().States()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Edit(func(tx *crdt.Text) error { return tx.Append("<header>") }))
	require.Eventually(t, func() bool { return b.Document().String() == "<header>" }, 2*time.Second, 5*time.Millisecond)
}
