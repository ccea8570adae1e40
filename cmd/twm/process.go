package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// turnFile is the on-disk shape the process subcommand reads: the new
// messages for this turn, plus the system prompt and model family.
type turnFile struct {
	SystemPrompt string `json:"system_prompt"`
	ModelFamily  string `json:"model_family"`
	BotID        string `json:"bot_id"`
	Messages     []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Source  string `json:"source"`
	} `json:"messages"`
}

func newProcessCmd() *cobra.Command {
	var conversationID, turnPath, addr string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Send one turn of a conversation to a running twm server",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(turnPath)
			if err != nil {
				return fmt.Errorf("reading turn file: %w", err)
			}
			var turn turnFile
			if err := json.Unmarshal(raw, &turn); err != nil {
				return fmt.Errorf("parsing turn file: %w", err)
			}

			url := fmt.Sprintf("%s/v1/conversations/%s/process", addr, conversationID)
			resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
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
	cmd.Flags().StringVar(&turnPath, "turn", "", "path to a JSON file describing the new turn")
	cmd.Flags().StringVar(&addr, "server", "http://localhost:8080", "base URL of a running twm serve instance")
	cmd.MarkFlagRequired("conversation-id")
	cmd.MarkFlagRequired("turn")

	return cmd
}
