package twm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 128000, cfg.MaxWindowSize)
	assert.Equal(t, 80, cfg.JITInstruction.Threshold)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_MergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-window.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxWindowSize": 50000, "JITinstruction": {"threshold": 65}}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50000, cfg.MaxWindowSize)
	assert.Equal(t, 65, cfg.JITInstruction.Threshold)
	// Unset keys keep the default.
	assert.Equal(t, "data/config/prompts/twp_bak.txt", cfg.JITInstruction.PromptFile)
}

func TestLoadConfig_InvalidJSONIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-window.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, isWrapped(err, ErrConfiguration))
}

func TestConfig_Validate_RejectsNonPositiveWindowSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWindowSize = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsOutOfRangeThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JITInstruction.Threshold = 101
	assert.Error(t, cfg.Validate())

	cfg.JITInstruction.Threshold = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RequiresTempDirectoryWhenOversizeEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OversizedMessageHandling.Enabled = true
	cfg.OversizedMessageHandling.TempDirectory = ""
	assert.Error(t, cfg.Validate())
}
