package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eachlabs/vaultagent/internal/config"
	"github.com/eachlabs/vaultagent/internal/message"
	"github.com/eachlabs/vaultagent/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "sess"},
	Short:   "Manage saved conversations",
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := session.NewManager(config.SessionsDir()).List()
		if err != nil {
			return err
		}

		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(sessions)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions yet. Start one with: vaultagent chat")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tTHREADS\tMESSAGES\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				s.ID, s.Agent, len(s.Threads), s.MessageCount(), s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.NewManager(config.SessionsDir()).Load(args[0])
		if err != nil {
			return err
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		}

		// Print metadata
		fmt.Printf("Session: %s\n", sess.ID)
		if sess.Name != "" {
			fmt.Printf("Name: %s\n", sess.Name)
		}
		fmt.Println("---")
		fmt.Printf("Agent: %s\n", sess.Agent)
		fmt.Printf("Provider: %s\n", sess.Provider)
		if sess.Model != "" {
			fmt.Printf("Model: %s\n", sess.Model)
		}
		if sess.Vault != "" {
			fmt.Printf("Vault: %s\n", sess.Vault)
		}
		fmt.Printf("Created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated: %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Messages: %d\n", sess.MessageCount())

		for _, t := range sess.Threads {
			fmt.Printf("\n--- %s on %s ---\n", t.Agent, t.Thread)
			for _, msg := range t.Messages {
				printMessage(msg)
			}
		}
		return nil
	},
}

func printMessage(msg message.Message) {
	if res, ok := msg.ToolResult(); ok {
		label := "tool_result"
		if res.IsError {
			label = "tool_error"
		}
		fmt.Printf("\n[%s %s]: %s\n", label, res.ToolName, truncateContent(res.Result, 200))
		return
	}

	text, _ := msg.Text()
	fmt.Printf("\n[%s]: %s\n", msg.Role, truncateContent(text, 200))
	for _, tc := range msg.ToolCalls() {
		fmt.Printf("  -> tool_call: %s %s\n", tc.ToolName, truncateContent(string(tc.Args), 80))
	}
}

// truncateContent truncates content for display
func truncateContent(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.NewManager(config.SessionsDir()).Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Session '%s' deleted\n", args[0])
		return nil
	},
}
