package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noop(_ context.Context, _ TaskContext) (map[string]any, error) {
	return nil, nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry(testLogger())

	require.NoError(t, reg.Register("noop", noop, ""))

	fn, err := reg.Resolve("noop", "")
	require.NoError(t, err)
	require.NotNil(t, fn)

	update, err := fn(t.Context(), TaskContext{})
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry(testLogger())

	require.NoError(t, reg.Register("noop", noop, ""))

	err := reg.Register("noop", noop, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRegistry_UnknownReference(t *testing.T) {
	reg := NewRegistry(testLogger())

	_, err := reg.Resolve("ghost", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTask)

	var unknownErr *UnknownTaskError

	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "ghost", unknownErr.Reference)
}

func TestRegistry_InvalidRegistrations(t *testing.T) {
	reg := NewRegistry(testLogger())

	err := reg.Register("", noop, "")
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = reg.Register("noop", nil, "")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestRegistry_ScopeIsolation(t *testing.T) {
	reg := NewRegistry(testLogger())

	require.NoError(t, reg.Register("noop", noop, "bundle-a"))

	// Same reference in another scope does not collide.
	require.NoError(t, reg.Register("noop", noop, "bundle-b"))

	_, err := reg.Resolve("noop", "bundle-a")
	require.NoError(t, err)

	_, err = reg.Resolve("noop", DefaultScope)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRegistry_References(t *testing.T) {
	reg := NewRegistry(testLogger())

	require.NoError(t, reg.Register("a", noop, ""))
	require.NoError(t, reg.Register("b", noop, ""))

	refs := reg.References("")
	assert.ElementsMatch(t, []string{"a", "b"}, refs)
}

func TestSuspend(t *testing.T) {
	err := Suspend(map[string]any{"waiting_on": "approval"})

	susp, ok := IsSuspend(err)
	require.True(t, ok)
	assert.Equal(t, "approval", susp.Update["waiting_on"])

	// Wrapped suspensions still surface.
	wrapped := errors.Join(errors.New("task stopped"), err)
	_, ok = IsSuspend(wrapped)
	assert.True(t, ok)

	_, ok = IsSuspend(errors.New("plain failure"))
	assert.False(t, ok)
}
