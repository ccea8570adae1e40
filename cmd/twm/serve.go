package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jingkaihe/twm/pkg/logger"
	"github.com/jingkaihe/twm/pkg/tokencount"
	"github.com/jingkaihe/twm/pkg/twm"
	"github.com/jingkaihe/twm/pkg/twmhttp"
)

func newServeCmd() *cobra.Command {
	var addr string
	var modelFamily string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the token window manager as an HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.G(cmd.Context())
			cmd.Flags().Visit(func(flag *pflag.Flag) {
				log.WithField(flag.Name, flag.Value.String()).Debug("serve flag explicitly set")
			})

			cfg := twm.MustLoadConfig(configPath)
			manager := twm.NewManager(cmd.Context(), cfg, tokencount.New())
			defer manager.Close()

			server := twmhttp.NewServer(manager, modelFamily)

			log.WithField("addr", addr).Info("starting twm http server")
			return http.ListenAndServe(addr, server.Router())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&modelFamily, "model-family", "claude", "default model family used for token counting")

	return cmd
}
