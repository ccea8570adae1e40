package twm

import (
	"encoding/json"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WindowUsagePattern configures the JIT window-usage display marker that
// the Manager substitutes into an outbound user message.
type WindowUsagePattern struct {
	DetectionText   string `mapstructure:"detectionText" json:"detectionText"`
	SearchRegex     string `mapstructure:"searchRegex" json:"searchRegex"`
	ReplaceTemplate string `mapstructure:"replaceTemplate" json:"replaceTemplate"`
}

// AssistantCleaningRule is one regex search/replace pair applied to prior
// assistant text to remove a stale JIT block.
type AssistantCleaningRule struct {
	Search        string `mapstructure:"search" json:"search"`
	Replace       string `mapstructure:"replace" json:"replace"`
	CaseSensitive bool   `mapstructure:"caseSensitive" json:"caseSensitive"`
}

// JITInstructionConfig configures the JIT Prompt Injector.
type JITInstructionConfig struct {
	Threshold          int                     `mapstructure:"threshold" json:"threshold"`
	PromptFile         string                  `mapstructure:"promptFile" json:"promptFile"`
	ExternalPromptFile string                  `mapstructure:"externalPromptFile" json:"externalPromptFile"`
	WindowUsagePattern WindowUsagePattern      `mapstructure:"windowUsagePattern" json:"windowUsagePattern"`
	AssistantCleaning  []AssistantCleaningRule `mapstructure:"assistantCleaning" json:"assistantCleaning"`
}

// UserMessageTruncationConfig configures per-message oversize truncation
// for the latest user message when JIT injection did not fire.
type UserMessageTruncationConfig struct {
	Enabled             bool   `mapstructure:"enabled" json:"enabled"`
	TokenBuffer         int    `mapstructure:"tokenBuffer" json:"tokenBuffer"`
	TruncationIndicator string `mapstructure:"truncationIndicator" json:"truncationIndicator"`
	PreserveFromStart   bool   `mapstructure:"preserveFromStart" json:"preserveFromStart"`
}

// OversizedMessageHandlingConfig configures the Oversize Handler.
type OversizedMessageHandlingConfig struct {
	Enabled             bool    `mapstructure:"enabled" json:"enabled"`
	ThresholdPercent    float64 `mapstructure:"thresholdPercent" json:"thresholdPercent"`
	TruncateToTokens    int     `mapstructure:"truncateToTokens" json:"truncateToTokens"`
	TempDirectory       string  `mapstructure:"tempDirectory" json:"tempDirectory"`
	InstructionTemplate string  `mapstructure:"instructionTemplate" json:"instructionTemplate"`
}

// PlaceholderMessagesConfig configures synthesized placeholder registers.
type PlaceholderMessagesConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Template string `mapstructure:"template" json:"template"`
}

// Config is the top-level configuration loaded from
// data/config/token-window.json. Every key is snapshotted at load time
// except the JIT prompt file content itself, which PromptCache
// (promptcache.go) re-reads after it changes on disk, because it is
// user-editable.
type Config struct {
	MaxWindowSize            int                            `mapstructure:"maxWindowSize" json:"maxWindowSize"`
	JITInstruction           JITInstructionConfig           `mapstructure:"JITinstruction" json:"JITinstruction"`
	UserMessageTruncation    UserMessageTruncationConfig    `mapstructure:"userMessageTruncation" json:"userMessageTruncation"`
	OversizedMessageHandling OversizedMessageHandlingConfig `mapstructure:"oversizedMessageHandling" json:"oversizedMessageHandling"`
	PlaceholderMessages      PlaceholderMessagesConfig      `mapstructure:"placeholderMessages" json:"placeholderMessages"`

	// SharedMultiAgentChat marks this deployment as a conversation surface
	// where several bots speak into one shared window; only then does a
	// bot_id passed to ProcessRequest get substituted into the system
	// prompt's #Role: line. A single-agent deployment has no use for the
	// hint and should leave this false.
	SharedMultiAgentChat bool `mapstructure:"sharedMultiAgentChat" json:"sharedMultiAgentChat"`

	// InternalPromptFile is not part of the on-disk config schema and is
	// not set anywhere in this package; the JIT prompt files in use are
	// JITInstruction.PromptFile and JITInstruction.ExternalPromptFile.
	InternalPromptFile string `mapstructure:"-" json:"-"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxWindowSize: 128000,
		JITInstruction: JITInstructionConfig{
			Threshold:          80,
			PromptFile:         "data/config/prompts/twp_bak.txt",
			ExternalPromptFile: "data/config/prompts/twp.txt",
			WindowUsagePattern: WindowUsagePattern{
				DetectionText:   "tokens used",
				SearchRegex:     `\d+\s*/\s*\d+K?\s*tokens\s*used\s*\(\d+%\)`,
				ReplaceTemplate: "{percentage}% of context window used",
			},
		},
		UserMessageTruncation: UserMessageTruncationConfig{
			Enabled:             true,
			TokenBuffer:         2000,
			TruncationIndicator: "\n\n[TRUNCATED - message exceeded the per-turn token budget]",
			PreserveFromStart:   false,
		},
		OversizedMessageHandling: OversizedMessageHandlingConfig{
			Enabled:          true,
			ThresholdPercent: 0.25,
			TruncateToTokens: 100,
			TempDirectory:    "data/temp",
			InstructionTemplate: "[TRUNCATED - Full content saved to disk. Use grep, tail, head, wc, sed, awk " +
				"or any other tool to access: %s without crushing your window. Do not use read_file on it " +
				"because I will only truncate it again. As a last resort read the large file in smaller chunks.]",
		},
		PlaceholderMessages: PlaceholderMessagesConfig{
			Enabled:  true,
			Template: "Message {position}",
		},
	}
}

// LoadConfig reads data/config/token-window.json, merges it over
// DefaultConfig, and validates the result. A missing file yields
// DefaultConfig and keys absent from the file keep their defaults; an
// unreadable or unparsable file, or a value rejected by Validate, is a
// ConfigurationError. LoadConfig itself never calls
// os.Exit, but callers at process start (cmd/twm) are expected to
// logrus.Fatal on its error, since a broken config degrading silently is
// worse than a hard startup abort.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrapf(ErrConfiguration, "reading config file %s: %v", path, err)
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return Config{}, errors.Wrapf(ErrConfiguration, "parsing config file %s: %v", path, err)
	}

	if err := mapstructure.Decode(asMap, &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrConfiguration, "decoding config file %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required configuration keys are present and sane.
func (c Config) Validate() error {
	if c.MaxWindowSize <= 0 {
		return errors.Wrap(ErrConfiguration, "maxWindowSize must be positive")
	}
	if c.JITInstruction.Threshold <= 0 || c.JITInstruction.Threshold > 100 {
		return errors.Wrap(ErrConfiguration, "JITinstruction.threshold must be in (0, 100]")
	}
	if c.OversizedMessageHandling.Enabled && c.OversizedMessageHandling.TempDirectory == "" {
		return errors.Wrap(ErrConfiguration, "oversizedMessageHandling.tempDirectory is required when enabled")
	}
	return nil
}

// MustLoadConfig is the cmd/twm-facing wrapper: it logs and aborts the
// process on a ConfigurationError, following the logrus.Fatal-on-bad-config
// convention used at other process entry points.
func MustLoadConfig(path string) Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Fatal("failed to load token-window config")
	}
	return cfg
}
