package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// mockLeveledLogger records the levels applied through the LeveledSubLogger
// interface.
type mockLeveledLogger struct {
	subLoggers SubLoggers
	levels     map[string]string
	global     string
}

func newMockLeveledLogger(subsystems ...string) *mockLeveledLogger {
	m := &mockLeveledLogger{
		subLoggers: make(SubLoggers),
		levels:     make(map[string]string),
	}
	for _, s := range subsystems {
		m.subLoggers[s] = btclog.Disabled
	}

	return m
}

func (m *mockLeveledLogger) SubLoggers() SubLoggers {
	return m.subLoggers
}

func (m *mockLeveledLogger) SupportedSubsystems() []string {
	return SortedSubsystems(m.subLoggers)
}

func (m *mockLeveledLogger) SetLogLevel(subsystemID string, logLevel string) {
	m.levels[subsystemID] = logLevel
}

func (m *mockLeveledLogger) SetLogLevels(logLevel string) {
	m.global = logLevel
}

// TestParseAndSetDebugLevels tests the parsing of the debuglevel option.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		level     string
		expErr    bool
		expGlobal string
		expLevels map[string]string
	}{
		{
			name:      "global level only",
			level:     "debug",
			expGlobal: "debug",
			expLevels: map[string]string{},
		},
		{
			name:      "global and subsystem",
			level:     "info,CWCH=trace",
			expGlobal: "info",
			expLevels: map[string]string{"CWCH": "trace"},
		},
		{
			name:      "subsystem only",
			level:     "ZMQN=warn",
			expLevels: map[string]string{"ZMQN": "warn"},
		},
		{
			name:   "invalid global level",
			level:  "loud",
			expErr: true,
		},
		{
			name:   "unknown subsystem",
			level:  "info,NOPE=debug",
			expErr: true,
		},
		{
			name:   "malformed pair",
			level:  "info,CWCH=debug=trace",
			expErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger := newMockLeveledLogger("CWCH", "ZMQN")
			err := ParseAndSetDebugLevels(tc.level, logger)
			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expGlobal, logger.global)
			require.Equal(t, tc.expLevels, logger.levels)
		})
	}
}

// TestShutdownLogger asserts that critical log lines trigger the shutdown
// callback.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var calls int
	logger := NewShutdownLogger(btclog.Disabled, func() {
		calls++
	})

	logger.Criticalf("backend %v unreachable", "bitcoind")
	logger.Critical("giving up")

	// Shutdown is only requested once.
	require.Equal(t, 1, calls)
}

// TestParseDebugLevelsAllOrNothing asserts that an invalid entry leaves every
// level untouched.
func TestParseDebugLevelsAllOrNothing(t *testing.T) {
	t.Parallel()

	logger := newMockLeveledLogger("CWCH", "ZMQN")
	err := ParseAndSetDebugLevels("debug,CWCH=trace,ZMQN=loud", logger)
	require.ErrorContains(t, err, "[loud] is invalid")

	require.Empty(t, logger.global)
	require.Empty(t, logger.levels)
}

// TestDeploymentLogLevel asserts the default debug level follows the build.
func TestDeploymentLogLevel(t *testing.T) {
	t.Parallel()

	switch Deployment {
	case Development:
		require.Equal(t, "debug", LogLevel)
		require.Equal(t, "development", Deployment.String())
	case Production:
		require.Equal(t, "info", LogLevel)
		require.Equal(t, "production", Deployment.String())
	}
}

// TestVersion asserts the version string carries the pre-release suffix.
func TestVersion(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0.3.0-beta", Version())
}
