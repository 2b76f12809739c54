package logger

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel_KnownLevels(t *testing.T) {
	cases := map[string]log.Level{
		"trace":   log.TraceLevel,
		"DEBUG":   log.DebugLevel,
		" info ":  log.InfoLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
	}
	for input, want := range cases {
		got, err := parseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestInitLog_UnknownLevel_FallsBackToInfo(t *testing.T) {
	err := InitLog("verbose", false)
	assert.Error(t, err)
	assert.Equal(t, log.InfoLevel, log.GetLevel())

	require.NoError(t, InitLog("debug", false))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	require.NoError(t, InitLog("info", false))
}

func TestCategoryEntries_UsableBeforeInit(t *testing.T) {
	assert.NotNil(t, MainLog)
	assert.Equal(t, "FUSION", FusionLog.Data["category"])
	assert.Equal(t, moduleNameDMCF, MitigationLog.Data["module"])
}
