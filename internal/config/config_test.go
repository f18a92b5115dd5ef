package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-pipeline/internal/config"
	"story-pipeline/internal/model"
)

// setupEnv изолирует тест от секретов хоста.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SECRETS_DIR", dir)
	t.Setenv("AI_API_KEY", "")
	t.Setenv("IMAGE_API_KEY", "")
	t.Setenv("DB_PASSWORD", "")
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults with secrets from files", func(t *testing.T) {
		dir := setupEnv(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ai_api_key"), []byte("sk-test\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "db_password"), []byte("secret"), 0o600))

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "sk-test", cfg.AIAPIKey)
		assert.Equal(t, 3, cfg.AIMaxAttempts)
		assert.Equal(t, time.Second, cfg.AIBaseRetryDelay)
		assert.Equal(t, 30*time.Minute, cfg.QueueStaleAfter)
		assert.Equal(t, 3.0, cfg.ValuesThreshold)
		assert.Equal(t, 70.0, cfg.QualityThreshold)
		assert.False(t, cfg.ImageEnabled(), "no image key means fallback covers")
		assert.Equal(t, cfg.AIModel, cfg.JudgeModel())
		assert.NotEmpty(t, cfg.Policy.BlockedTerms)
		assert.Contains(t, cfg.MaskedDSN(), "********")
		assert.NotContains(t, cfg.MaskedDSN(), "secret")
	})

	t.Run("Missing LLM credential is a configuration error", func(t *testing.T) {
		setupEnv(t)

		cfg, err := config.LoadConfig()
		require.NoError(t, err, "loading does not require model credentials")
		err = cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrConfiguration))
		assert.Equal(t, model.KindConfiguration, model.Classify(err))
	})

	t.Run("Ollama does not need a key", func(t *testing.T) {
		setupEnv(t)
		t.Setenv("AI_CLIENT_TYPE", "ollama")

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Empty(t, cfg.AIAPIKey)
	})

	t.Run("Image key from env enables covers", func(t *testing.T) {
		setupEnv(t)
		t.Setenv("AI_API_KEY", "sk-env")
		t.Setenv("IMAGE_API_KEY", "img-env")

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "sk-env", cfg.AIAPIKey)
		assert.True(t, cfg.ImageEnabled())
	})

	t.Run("Gate policy overrides thresholds", func(t *testing.T) {
		dir := setupEnv(t)
		t.Setenv("AI_API_KEY", "sk-env")
		policyPath := filepath.Join(dir, "policy.yaml")
		require.NoError(t, os.WriteFile(policyPath, []byte(
			"values_threshold: 4\nquality_threshold: 80\nblocked_terms:\n  - dragon fire\nthemes:\n  - space\n"), 0o600))
		t.Setenv("GATE_POLICY_FILE", policyPath)

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 4.0, cfg.ValuesThreshold)
		assert.Equal(t, 80.0, cfg.QualityThreshold)
		assert.Equal(t, []string{"dragon fire"}, cfg.Policy.BlockedTerms)
		assert.Equal(t, []string{"space"}, cfg.Policy.Themes)
		assert.Equal(t, config.DefaultGenres, cfg.Policy.Genres)
	})

	t.Run("Out of range threshold", func(t *testing.T) {
		setupEnv(t)
		t.Setenv("AI_API_KEY", "sk-env")
		t.Setenv("VALUES_THRESHOLD", "7")

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		assert.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)
	})
}
