package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var conversationID, addr string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop all token window state for a conversation on a running twm server",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/conversations/%s/reset", addr, conversationID)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("calling %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation identifier")
	cmd.Flags().StringVar(&addr, "server", "http://localhost:8080", "base URL of a running twm serve instance")
	cmd.MarkFlagRequired("conversation-id")

	return cmd
}
