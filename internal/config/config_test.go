package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/simroom/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data/simroom.db", cfg.DBPath)
	assert.Equal(t, 30*time.Minute, cfg.SessionDuration)
	assert.Equal(t, 1500*time.Millisecond, cfg.ContextLineDelay)
	assert.Equal(t, time.Duration(0), cfg.TypingDelayPerChar)
	assert.True(t, cfg.Transcript.Enabled)
	assert.Equal(t, 1000, cfg.Transcript.QueueSize)
	assert.Equal(t, 30, cfg.RateLimitRequests)
	assert.Equal(t, engine.DefaultCompletionMessage, cfg.CompletionMessage)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_DURATION", "45m")
	t.Setenv("TRANSCRIPT_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FRONTEND_URL", "https://simroom.example")

	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 45*time.Minute, cfg.SessionDuration)
	assert.False(t, cfg.Transcript.Enabled)
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simroom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = "7000"
tick_interval = "2s"
scenario_dir = "/srv/scenarios"
`), 0o600))
	t.Setenv("PORT", "7100")

	cfg, err := LoadFrom(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Port, "environment wins over file")
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, "/srv/scenarios", cfg.ScenarioDir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TICK_INTERVAL", "0s"},
		{"SESSION_DURATION", "-1m"},
		{"TRANSCRIPT_QUEUE_SIZE", "0"},
		{"TYPING_DELAY_PER_CHAR", "-5ms"},
		{"LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFrom(viper.New(), "")
			assert.Error(t, err)
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	ec := cfg.Engine()
	assert.Equal(t, cfg.SessionDuration, ec.SessionDuration)
	assert.Equal(t, time.Second, ec.Pacing.ResponseDelay)
	assert.Equal(t, 3*time.Second, ec.Pacing.MaxTyping)
	assert.False(t, ec.ManualTicks)
}

func TestValidateRequiresPortAndDBPath(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	noPort := *cfg
	noPort.Port = ""
	assert.Error(t, noPort.Validate())

	noDB := *cfg
	noDB.DBPath = ""
	assert.Error(t, noDB.Validate())
}
