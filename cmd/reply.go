package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/termclient"
)

func newReplyCmd() *cobra.Command {
	var (
		serverURL         string
		protocolSessionID string
		images            []string
	)

	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Answer a pending feedback request from the terminal",
		Long: "reply connects to a running feedback server, prints the agent's work summary " +
			"and sends what you type as feedback. Finish the reply with a line containing a single '.'.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := termclient.Dial(ctx, serverURL, protocolSessionID)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintf(out, "Connected to %s, waiting for a feedback request...\n", serverURL)
			assignment, err := client.WaitForSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nSession %s\n\n%s\n\n", assignment.SessionID, assignment.WorkSummary)
			fmt.Fprintln(out, "Type your feedback; end with '.' on its own line.")

			text, err := readReply(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := client.Submit(ctx, assignment.SessionID, text, images); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, "Feedback sent.")
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverURL, "url", "http://localhost:5000", "feedback server address")
	flags.StringVar(&protocolSessionID, "mcp-session", "", "protocol session the reply belongs to")
	flags.StringSliceVar(&images, "image", nil, "image file to attach (repeatable)")

	return cmd
}

// readReply reads lines until a lone "." or EOF.
func readReply(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}
