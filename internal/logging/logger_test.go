package logging

import (
	"log"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "client")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
	logger.Info("production logger ready")
}

func TestInstallRoutesStandardLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := Install(zap.New(core))

	log.Print("from the standard library")
	zap.L().Info("from the global logger")
	restore()

	require.Equal(t, 2, logs.Len())
	require.Equal(t, "from the standard library", logs.All()[0].Message)
	require.Equal(t, "from the global logger", logs.All()[1].Message)
}
