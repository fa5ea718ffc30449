package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "tempo", cfg.Redis.KeyPrefix)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, 6, cfg.Agent.MaxToolIterations)
	})

	t.Run("yaml overrides defaults, rest falls through", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tempo.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
redis:
  addr: redis.internal:6379
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
		// Untouched sections keep their defaults.
		assert.Equal(t, 60, cfg.LLM.TimeoutSeconds)
		assert.Equal(t, "tempo", cfg.Redis.KeyPrefix)
	})

	t.Run("env expansion", func(t *testing.T) {
		t.Setenv("TEST_LLM_KEY", "sk-test-123")
		path := filepath.Join(t.TempDir(), "tempo.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
llm:
  api_key: "{{.TEST_LLM_KEY}}"
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
	})

	t.Run("invalid values are all reported", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tempo.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 70000
retry:
  max_attempts: -1
`), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "retry.max_attempts")
	})
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_HOST", "db.internal")

	t.Run("expands known variables", func(t *testing.T) {
		out := ExpandEnv([]byte("host: {{.EXPAND_HOST}}"))
		assert.Equal(t, "host: db.internal", string(out))
	})

	t.Run("missing variables become empty", func(t *testing.T) {
		out := ExpandEnv([]byte("key: {{.NO_SUCH_VAR_EVER}}"))
		assert.Equal(t, "key: ", string(out))
	})

	t.Run("literal dollar signs are preserved", func(t *testing.T) {
		out := ExpandEnv([]byte(`pattern: "^secret.*$"`))
		assert.Equal(t, `pattern: "^secret.*$"`, string(out))
	})
}
