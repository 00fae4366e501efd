package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPackage() *Package {
	return NewPackage("mirror", "Mirror", "https://example.org", "rsync", 3600, nil, Settings{})
}

// TestErrorCountMonotonicity covers P1: every transition into ERROR
// increments errorcount by exactly one, no other transition changes it.
func TestErrorCountMonotonicity(t *testing.T) {
	p := newTestPackage()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now, true))
	assert.Equal(t, 0, p.ErrorCount())

	require.NoError(t, p.SetStatus(ctx, nil, StatusError, now, true))
	assert.Equal(t, 1, p.ErrorCount())

	require.NoError(t, p.SetStatus(ctx, nil, StatusActive, now, true))
	assert.Equal(t, 1, p.ErrorCount())

	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now, true))
	require.NoError(t, p.SetStatus(ctx, nil, StatusError, now, true))
	assert.Equal(t, 2, p.ErrorCount())
}

func TestSetStatusRejectsInvalidTransitionInDebug(t *testing.T) {
	p := newTestPackage()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	// UNKNOWN -> ACTIVE is not a direct scheduler-dispatch edge but is a
	// legal success-notification edge; SYNC -> UNKNOWN is never legal.
	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now, true))
	err := p.SetStatus(ctx, nil, StatusUnknown, now, true)
	assert.Error(t, err)
	assert.Equal(t, StatusSync, p.Status())
}

func TestSetStatusIsNoopWhenUnchanged(t *testing.T) {
	p := newTestPackage()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now, true))
	ts := p.Timestamp()

	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now.Add(time.Hour), true))
	assert.Equal(t, ts, p.Timestamp())
}

func TestTimestampIsMillisSinceEpoch(t *testing.T) {
	p := newTestPackage()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, p.SetStatus(ctx, nil, StatusSync, now, true))
	assert.Equal(t, now.UnixMilli(), p.Timestamp())
}
