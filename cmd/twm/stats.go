package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var conversationID, addr string
	var windowState bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics (or full window state) for a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := "stats"
			if windowState {
				endpoint = "state"
			}
			url := fmt.Sprintf("%s/v1/conversations/%s/%s", addr, conversationID, endpoint)

			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("calling %s: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
			}

			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation identifier")
	cmd.Flags().StringVar(&addr, "server", "http://localhost:8080", "base URL of a running twm serve instance")
	cmd.Flags().BoolVar(&windowState, "window-state", false, "print the full window state instead of just cache stats")
	cmd.MarkFlagRequired("conversation-id")

	return cmd
}
