package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeJamon/causalmesh/internal/coordination"
	"github.com/LeJamon/causalmesh/internal/mesh"
)

var (
	// Run flags
	hostName    string
	description string
	joinID      string
	modeName    string
)

// runCmd starts a participant and attaches the terminal to one session.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host or join a session",
	Long: `Start a participant, host a new session (--host) or join an announced one
(--join), then relay the terminal to the session:

  /move TEXT   perform an exclusive action
  /status      print the participant status as JSON
  /quit        leave the session and exit
  anything else is broadcast as a chat message`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&hostName, "host", "", "host a new session with this name")
	runCmd.Flags().StringVar(&description, "description", "", "description of the hosted session")
	runCmd.Flags().StringVar(&joinID, "join", "", "join the session with this id")
	runCmd.Flags().StringVar(&modeName, "mode", "", "exclusive access mode of the hosted session: mutex or host (default from config)")
	runCmd.MarkFlagsMutuallyExclusive("host", "join")
	runCmd.MarkFlagsOneRequired("host", "join")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- n.run(ctx) }()

	err = func() error {
		if err := waitRunning(ctx, n.mesh); err != nil {
			return err
		}
		s, err := openSession(ctx, n.mesh, cfg.Coordination.Mode, cfg.Mesh.DirectoryTTL)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !quiet {
			fmt.Fprintf(out, "participant %s in session %s (%s, %s)\n",
				n.mesh.ParticipantID(), s.ID(), s.Info.Name, s.Coordination.Mode())
		}
		if err := chat(ctx, n.mesh, s, cmd.InOrStdin(), out); err != nil {
			return err
		}
		if err := n.mesh.LeaveSession(context.Background(), s.ID()); err != nil && !errors.Is(err, mesh.ErrUnknownSession) {
			return err
		}
		return nil
	}()

	cancel()
	if rerr := <-runErr; err == nil {
		err = rerr
	}
	return err
}

// openSession hosts or joins according to the flags. A joined session must
// be announced within twice the directory TTL.
func openSession(ctx context.Context, m *mesh.Mesh, defaultMode string, ttl time.Duration) (*mesh.Session, error) {
	if hostName != "" {
		name := modeName
		if name == "" {
			name = defaultMode
		}
		mode, err := coordination.ParseMode(name)
		if err != nil {
			return nil, err
		}
		return m.HostSession(ctx, hostName, description, mode)
	}
	if err := waitSession(ctx, m, joinID, 2*ttl); err != nil {
		return nil, err
	}
	return m.JoinSession(ctx, joinID)
}
