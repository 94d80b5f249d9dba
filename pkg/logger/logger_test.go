package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSingletonSwap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	old := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(old) })

	Infof("token cache %s", "ready")
	Warnw("violation recorded", "client_id", "svc-1", "count", 2)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "token cache ready", entries[0].Message)
	assert.Equal(t, "violation recorded", entries[1].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()

	l := newLogger(false, false)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))

	l = newLogger(true, true)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}
