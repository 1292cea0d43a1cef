package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEchoGuardIsReleasedOnEveryExit(t *testing.T) {
	var g echoGuard
	assert.False(t, g.active())

	err := g.run(func() error {
		assert.True(t, g.active())
		return g.run(func() error {
			assert.True(t, g.active())
			return nil
		})
	})
	assert.NoError(t, err)
	assert.False(t, g.active())

	boom := errors.New("boom")
	assert.ErrorIs(t, g.run(func() error { return boom }), boom)
	assert.False(t, g.active())

	assert.Panics(t, func() {
		_ = g.run(func() error { panic("apply exploded") })
	})
	assert.False(t, g.active())
}
