package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/twm/pkg/logger"
	"github.com/jingkaihe/twm/pkg/version"
)

var (
	configPath string
	logFormat  string
	logLevel   string
	logFile    string
)

// initViper binds each persistent flag to viper: flags set the defaults,
// and a TWM_-prefixed environment variable overrides any of them without
// a config file edit.
func initViper(root *cobra.Command) {
	viper.SetEnvPrefix("TWM")
	viper.AutomaticEnv()

	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", root.PersistentFlags().Lookup("log-file"))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "twm",
		Short:   "Token Window Manager",
		Long:    "twm rewrites a conversation's history on every turn to fit a token budget, preserve prefix-cache reuse, and let the model reshape its own context via recache_message_array.",
		Version: version.Get().String(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configPath = viper.GetString("config")
			logFormat = viper.GetString("log_format")
			logLevel = viper.GetString("log_level")
			logFile = viper.GetString("log_file")

			logger.SetLogFormat(logFormat)
			if err := logger.SetLogLevel(logLevel); err != nil {
				logger.L.WithError(err).Warn("invalid --log-level, keeping default")
			}
			if logFile != "" {
				if _, err := logger.AttachFileSink(logFile); err != nil {
					logger.L.WithError(err).WithField("log_file", logFile).Warn("could not attach log file sink, logging to stderr only")
				}
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "data/config/token-window.json", "path to the token-window configuration file")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "optional path to additionally write logs to")
	initViper(root)

	root.AddCommand(newProcessCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newServeCmd())

	return root
}
