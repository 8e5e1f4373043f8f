package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeJamon/causalmesh/internal/mesh"
)

var (
	// Sessions flags
	listenFor  time.Duration
	jsonOutput bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions announced on the network",
	Long: `Join the multicast group without entering any session, collect session
announcements for a while and print the session directory.`,
	RunE: listSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().DurationVar(&listenFor, "wait", 3*time.Second, "how long to collect announcements")
	sessionsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Nothing is logged to the event log here.
	cfg.Storage.Backend = "memory"
	cfg.Monitor.Listen = ""

	n, err := openNode(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- n.run(ctx) }()

	select {
	case <-time.After(listenFor):
	case <-ctx.Done():
	}
	sessions := n.mesh.Sessions()
	cancel()
	if err := <-runErr; err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	return printSessions(cmd.OutOrStdout(), sessions)
}

func printSessions(out io.Writer, sessions []mesh.SessionInfo) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "no sessions announced")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tPARTICIPANTS\tCREATED\tDESCRIPTION")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.Mode, strings.Join(s.Participants, ","),
			s.Created.Local().Format(time.DateTime), s.Description)
	}
	return w.Flush()
}
