package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/config"
	"github.com/LeJamon/causalmesh/internal/coordination"
	"github.com/LeJamon/causalmesh/internal/eventlog"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/mesh"
	"github.com/LeJamon/causalmesh/internal/metrics"
	"github.com/LeJamon/causalmesh/internal/monitor"
	"github.com/LeJamon/causalmesh/internal/transport"
)

// node is a running participant process: the mesh, its event log and the
// optional monitor.
type node struct {
	cfg     *config.Config
	logger  logging.Logger
	mesh    *mesh.Mesh
	store   eventlog.Store
	monitor *monitor.Server
}

// openNode opens the event log and the multicast sockets and builds the mesh.
func openNode(ctx context.Context, cfg *config.Config, logger logging.Logger) (*node, error) {
	store, err := eventlog.Open(ctx, eventlog.Config{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	tc := cfg.Transport
	conn, err := transport.ListenMulticast(ctx, tc.Group, tc.Port, tc.TTL, tc.Loopback)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open multicast socket: %w", err)
	}

	advertise := cfg.Mesh.AdvertiseHost
	if advertise == "" {
		if hosts, err := transport.LocalHosts(); err == nil && len(hosts) > 0 {
			advertise = hosts[0]
		}
	}

	m, err := mesh.New(conn, meshOptions(cfg, logger, metrics.New(), store, advertise)...)
	if err != nil {
		conn.Close()
		store.Close()
		return nil, err
	}

	n := &node{cfg: cfg, logger: logger, mesh: m, store: store}
	if cfg.Monitor.Listen != "" {
		n.monitor, err = monitor.New(m, m.Metrics().Registry(),
			monitor.WithLogger(logger),
			monitor.WithStreamInterval(cfg.Monitor.StreamInterval),
		)
		if err != nil {
			conn.Close()
			store.Close()
			return nil, err
		}
	}
	return n, nil
}

func meshOptions(cfg *config.Config, logger logging.Logger, m *metrics.Collector, store eventlog.Store, advertise string) []mesh.Option {
	tc, cc := cfg.Transport, cfg.Coordination
	return []mesh.Option{
		mesh.WithParticipantID(cfg.ParticipantID),
		mesh.WithInterfaceHosts(tc.InterfaceHosts...),
		mesh.WithAdvertise(advertise, tc.Port),
		mesh.WithAnnounceInterval(cfg.Mesh.AnnounceInterval),
		mesh.WithDirectoryTTL(cfg.Mesh.DirectoryTTL),
		mesh.WithStore(store),
		mesh.WithLogger(logger),
		mesh.WithMetrics(m),
		mesh.WithTransportOptions(
			transport.WithPacketSize(tc.PacketSize),
			transport.WithMaxFragments(tc.MaxFragments),
			transport.WithCompression(tc.Compression),
			transport.WithMaxPendingPackets(tc.MaxPendingPackets),
			transport.WithReassemblyTimeout(tc.ReassemblyTimeout),
			transport.WithTick(tc.Tick),
			transport.WithMessageBufferSize(tc.MessageBuffer),
		),
		mesh.WithCausalOptions(causal.WithTick(cfg.Engine.Tick)),
		mesh.WithCoordinationOptions(
			coordination.WithTimeUnit(cc.TimeUnit),
			coordination.WithTick(cc.Tick),
			coordination.WithRTTFloor(cc.RTTFloor),
			coordination.WithRTTSmoothing(cc.RTTSmoothing),
			coordination.WithDepartureFactor(cc.DepartureFactor),
		),
	}
}

// run runs the mesh and the monitor until ctx is done, then closes the
// event log.
func (n *node) run(ctx context.Context) error {
	defer func() {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("close event log", "error", err)
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.mesh.Run(gCtx) })
	if n.monitor != nil {
		g.Go(func() error { return n.monitor.ListenAndServe(gCtx, n.cfg.Monitor.Listen) })
	}
	return g.Wait()
}

// waitRunning polls until the mesh accepts session operations.
func waitRunning(ctx context.Context, m *mesh.Mesh) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := m.Status(ctx)
		if err == nil && st.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitSession polls the session directory until id is announced.
func waitSession(ctx context.Context, m *mesh.Mesh, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, info := range m.Sessions() {
			if info.ID == id {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s not announced within %s", mesh.ErrUnknownSession, id, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
