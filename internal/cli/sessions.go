package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/tandem/internal/daemon"
	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/session"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
	Long: `Inspect the sessions recorded in the configured store.
These commands read the store directly and work while the server is stopped.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(mgr *session.Manager) error {
			infos, err := mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			if sessionsJSON {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			return printSessionTable(cmd.OutOrStdout(), infos)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(mgr *session.Manager) error {
			s, err := mgr.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sessionsJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(mgr *session.Manager) error {
			if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "print JSON instead of text")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func withSessions(cmd *cobra.Command, fn func(*session.Manager) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	// Deletions made here land in the same audit trail as the server's.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err == nil {
			defer observability.GetAuditLogger().Close()
		}
	}

	mgr, err := daemon.OpenSessions(cfg, log.Component("sessions"))
	if err != nil {
		return err
	}
	defer mgr.Close()
	return fn(mgr)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSessionTable(w io.Writer, infos []session.SessionInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tROUNDS\tMESSAGES\tLAST ACTIVITY\tWORK DIR")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			info.ID, info.Status, info.RoundCount, info.MessageCount,
			info.LastActivity.Local().Format(time.DateTime), info.WorkDir)
	}
	return tw.Flush()
}

func printSession(w io.Writer, s *session.Session) {
	fmt.Fprintf(w, "ID:            %s\n", s.ID)
	fmt.Fprintf(w, "Status:        %s\n", s.Status)
	fmt.Fprintf(w, "Work dir:      %s\n", s.WorkDir)
	if s.Model != "" {
		fmt.Fprintf(w, "Model:         %s\n", s.Model)
	}
	fmt.Fprintf(w, "Rounds:        %d\n", s.RoundCount)
	fmt.Fprintf(w, "Created:       %s\n", s.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Last activity: %s\n", s.LastActivity.Local().Format(time.DateTime))
	if s.CLISessionID != "" {
		fmt.Fprintf(w, "CLI session:   %s\n", s.CLISessionID)
	}

	for _, msg := range s.History {
		fmt.Fprintln(w)
		for _, line := range renderMessage(msg) {
			fmt.Fprintln(w, line)
		}
	}
}

// renderMessage flattens a message into display lines, one per block.
func renderMessage(msg agent.Message) []string {
	prefix := fmt.Sprintf("[%s]", msg.Role)
	var lines []string
	for _, b := range msg.Content.AsBlocks() {
		switch b.Type {
		case agent.BlockText:
			lines = append(lines, fmt.Sprintf("%s %s", prefix, b.Text))
		case agent.BlockToolUse:
			lines = append(lines, fmt.Sprintf("%s -> %s %s", prefix, b.Name, string(b.Input)))
		case agent.BlockToolResult:
			status := "ok"
			if b.IsError {
				status = "error"
			}
			lines = append(lines, fmt.Sprintf("%s <- %s (%s) %s", prefix, b.ToolUseID, status, truncate(b.Content, 200)))
		}
	}
	return lines
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
