// Package mesh wires the transport, the channel router and the per-session
// engines into one participant process.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/coordination"
	"github.com/LeJamon/causalmesh/internal/discovery"
	"github.com/LeJamon/causalmesh/internal/eventlog"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
	"github.com/LeJamon/causalmesh/internal/router"
	"github.com/LeJamon/causalmesh/internal/transport"
	"github.com/LeJamon/causalmesh/internal/wire"
)

// Sentinel errors for mesh operations.
var (
	ErrNotRunning     = errors.New("mesh is not running")
	ErrUnknownSession = errors.New("unknown session")
	ErrAlreadyJoined  = errors.New("session already joined")
	ErrEmptyName      = errors.New("session name cannot be empty")
)

// Mesh is one participant: a transport, its router, the control channel
// dispatcher and the sessions the participant is in.
type Mesh struct {
	cfg       Config
	self      string
	transport *transport.Transport
	router    *router.Router
	store     eventlog.Store
	logger    logging.Logger
	metrics   *metrics.Collector

	mu        sync.RWMutex
	runCtx    context.Context
	cancel    context.CancelFunc
	sessions  map[string]*Session
	directory *sessionDirectory
	peerHosts map[string]string

	kick       chan struct{}
	sessionsWG sync.WaitGroup
}

// New creates a mesh over conn. Call Run to start it.
func New(conn transport.Conn, opts ...Option) (*Mesh, error) {
	if conn == nil {
		return nil, errors.New("mesh: conn cannot be nil")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Store == nil {
		cfg.Store = eventlog.NewMemoryStore()
	}

	topts := append([]transport.Option{
		transport.WithLogger(cfg.Logger),
		transport.WithMetrics(cfg.Metrics),
	}, cfg.TransportOptions...)
	t, err := transport.New(conn, topts...)
	if err != nil {
		return nil, err
	}
	r, err := router.New(t, router.WithLogger(cfg.Logger), router.WithMetrics(cfg.Metrics))
	if err != nil {
		return nil, err
	}

	return &Mesh{
		cfg:       cfg,
		self:      cfg.ParticipantID,
		transport: t,
		router:    r,
		store:     cfg.Store,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		sessions:  make(map[string]*Session),
		directory: newSessionDirectory(),
		peerHosts: make(map[string]string),
		kick:      make(chan struct{}, 1),
	}, nil
}

// ParticipantID returns the local participant id.
func (m *Mesh) ParticipantID() string {
	return m.self
}

// Metrics returns the collector every component of the mesh reports to.
func (m *Mesh) Metrics() *metrics.Collector {
	return m.metrics
}

// Transport returns the underlying transport.
func (m *Mesh) Transport() *transport.Transport {
	return m.transport
}

// Run starts the mesh and blocks until ctx is cancelled or Stop is called.
// Every session is stopped before Run returns.
func (m *Mesh) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return errors.New("mesh: already running")
	}
	m.runCtx, m.cancel = gCtx, cancel
	m.mu.Unlock()

	for _, host := range m.cfg.InterfaceHosts {
		if _, err := m.transport.Subscribe(host); err != nil {
			m.mu.Lock()
			m.runCtx, m.cancel = nil, nil
			m.mu.Unlock()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	if m.cfg.Directory != nil {
		m.cfg.Directory.OnPeerDescriptionChanged(m.onPeerDescription)
		if err := m.cfg.Directory.Publish(m.description()); err != nil {
			m.logger.Warn("publish description", "error", err)
		}
	}

	m.logger.Info("mesh started", "participant", m.self, "memberships", m.transport.Memberships())

	g.Go(func() error { return m.transport.Run(gCtx) })
	g.Go(func() error { return ignoreCanceled(m.router.Run(gCtx)) })
	g.Go(func() error { return ignoreCanceled(m.controlLoop(gCtx)) })
	g.Go(func() error { return ignoreCanceled(m.announceLoop(gCtx)) })

	err := g.Wait()

	m.mu.Lock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()
	m.sessionsWG.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.runCtx, m.cancel = nil, nil
	m.mu.Unlock()

	m.logger.Info("mesh stopped", "participant", m.self)
	return err
}

// Stop cancels Run. It does not wait for Run to return.
func (m *Mesh) Stop() error {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Mesh) description() map[string]string {
	return map[string]string{
		discovery.KeyParticipant: m.self,
		discovery.KeyHost:        m.cfg.AdvertiseHost,
		discovery.KeyPort:        strconv.Itoa(m.cfg.AdvertisePort),
		discovery.KeyProtocol:    discovery.ProtocolVersion,
	}
}

// onPeerDescription subscribes the transport on the interface that reaches
// a peer whenever the peer announces a new host.
func (m *Mesh) onPeerDescription(peerID string, full map[string]string, changed, removed []string) {
	if peerID == m.self {
		return
	}
	if len(full) == 0 {
		m.mu.Lock()
		delete(m.peerHosts, peerID)
		m.mu.Unlock()
		m.logger.Debug("peer withdrew description", "peer", peerID)
		return
	}
	if v := full[discovery.KeyProtocol]; v != discovery.ProtocolVersion {
		m.logger.Debug("ignoring peer with other protocol version", "peer", peerID, "version", v)
		return
	}
	host := full[discovery.KeyHost]
	if host == "" {
		return
	}

	m.mu.Lock()
	prev, known := m.peerHosts[peerID]
	m.peerHosts[peerID] = host
	m.mu.Unlock()
	if known && prev == host {
		return
	}

	local, err := m.cfg.ResolveHost(host)
	if err != nil {
		m.logger.Warn("no interface for peer", "peer", peerID, "host", host, "error", err)
		return
	}
	added, err := m.transport.Subscribe(local)
	if err != nil {
		m.logger.Warn("subscribe for peer", "peer", peerID, "host", local, "error", err)
		return
	}
	if added {
		m.logger.Info("subscribed for peer", "peer", peerID, "peer_host", host, "host", local)
	}
}

// SendControl broadcasts a coordination control message for session on the
// service channel.
func (m *Mesh) SendControl(session string, payload []byte) error {
	return m.sendControl(&ControlMessage{
		Kind:    ControlSession,
		Session: session,
		Payload: payload,
	})
}

func (m *Mesh) sendControl(msg *ControlMessage) error {
	msg.Origin = m.self
	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return m.router.SendService(b)
}

func (m *Mesh) controlLoop(ctx context.Context) error {
	for {
		b, err := m.router.WaitMessage(ctx, router.ServiceToService)
		if err != nil {
			return err
		}
		m.handleControl(b)
	}
}

func (m *Mesh) handleControl(b []byte) {
	msg, err := decodeControl(b)
	if err != nil {
		m.logger.Debug("dropped control message", "error", err)
		return
	}
	if msg.Origin == m.self {
		return
	}

	switch msg.Kind {
	case ControlDirectory:
		m.mu.Lock()
		m.directory.merge(msg.Origin, msg.Directory, m.cfg.Clock())
		m.mu.Unlock()
	case ControlSession:
		m.mu.RLock()
		s, ok := m.sessions[msg.Session]
		m.mu.RUnlock()
		if ok {
			s.Coordination.HandleControl(msg.Payload)
		}
	default:
		m.logger.Debug("unknown control kind", "kind", string(msg.Kind), "origin", msg.Origin)
	}
}

// announceLoop broadcasts the local session list every AnnounceInterval and
// whenever local membership changes.
func (m *Mesh) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.AnnounceInterval)
	defer ticker.Stop()

	m.announce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.announce()
		case <-m.kick:
			m.announce()
		}
	}
}

func (m *Mesh) announce() {
	now := m.cfg.Clock()

	m.mu.Lock()
	local := m.localInfos()
	m.directory.merge(m.self, local, now)
	m.directory.expire(now.Add(-m.cfg.DirectoryTTL), m.self)
	m.mu.Unlock()

	if err := m.sendControl(&ControlMessage{Kind: ControlDirectory, Directory: local}); err != nil {
		m.logger.Warn("announce sessions", "error", err)
	}
}

// localInfos must be called with mu held.
func (m *Mesh) localInfos() []SessionInfo {
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := s.Info
		info.Participants = nil
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Mesh) triggerAnnounce() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// HostSession creates a session with the local participant as its creator.
func (m *Mesh) HostSession(ctx context.Context, name, description string, mode coordination.Mode) (*Session, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	info := SessionInfo{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Mode:        mode.String(),
		Created:     m.cfg.Clock().UTC(),
	}
	return m.startSession(info, mode, true)
}

// JoinSession joins a session announced in the directory.
func (m *Mesh) JoinSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	info, ok := m.directory.get(id)
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	mode, err := coordination.ParseMode(info.Mode)
	if err != nil {
		return nil, err
	}
	info.Participants = nil
	return m.startSession(info, mode, false)
}

func (m *Mesh) startSession(info SessionInfo, mode coordination.Mode, creator bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runCtx == nil {
		return nil, ErrNotRunning
	}
	if _, ok := m.sessions[info.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, info.ID)
	}

	copts := append([]causal.Option{
		causal.WithLog(m.store),
		causal.WithLogger(m.logger),
		causal.WithMetrics(m.metrics),
		causal.WithClock(m.cfg.Clock),
	}, m.cfg.CausalOptions...)
	ce, err := causal.New(m.router, info.ID, m.self, copts...)
	if err != nil {
		return nil, err
	}

	oopts := []coordination.Option{
		coordination.WithMode(mode),
		coordination.WithLogger(m.logger),
		coordination.WithMetrics(m.metrics),
		coordination.WithClock(m.cfg.Clock),
	}
	if creator {
		oopts = append(oopts, coordination.AsCreator())
	}
	oopts = append(oopts, m.cfg.CoordinationOptions...)
	co, err := coordination.New(ce, m, info.ID, m.self, oopts...)
	if err != nil {
		_ = m.router.RemoveDestination(info.ID)
		return nil, err
	}

	sctx, cancel := context.WithCancel(m.runCtx)
	s := &Session{
		Info:         info,
		Causal:       ce,
		Coordination: co,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.sessions[info.ID] = s
	m.directory.merge(m.self, m.localInfos(), m.cfg.Clock())

	m.sessionsWG.Add(1)
	go func() {
		defer m.sessionsWG.Done()
		defer close(s.done)
		g, gCtx := errgroup.WithContext(sctx)
		g.Go(func() error { return ce.Run(gCtx) })
		g.Go(func() error { return co.Run(gCtx) })
		if err := g.Wait(); err != nil {
			m.logger.Error("session stopped", "session", info.ID, "error", err)
		}
	}()

	m.logger.Info("session joined", "session", info.ID, "name", info.Name, "mode", info.Mode, "creator", creator)
	m.triggerAnnounce()
	return s, nil
}

// LeaveSession announces a graceful departure from the session and stops
// its engines.
func (m *Mesh) LeaveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.directory.merge(m.self, m.localInfos(), m.cfg.Clock())
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	err := s.Coordination.Leave(ctx)
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.metrics.ForgetSession(id)
	m.triggerAnnounce()
	m.logger.Info("session left", "session", id)
	if errors.Is(err, coordination.ErrClosed) {
		return nil
	}
	return err
}

// Session returns a session the local participant is in.
func (m *Mesh) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the session directory: every session announced by a
// participant heard from within DirectoryTTL, oldest first.
func (m *Mesh) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.directory.list()
}

// Status is a snapshot of the whole participant.
type Status struct {
	Participant string                `json:"participant"`
	Running     bool                  `json:"running"`
	Memberships []string              `json:"memberships"`
	Transport   transport.Stats       `json:"transport"`
	Sessions    []coordination.Status `json:"sessions"`
	Directory   []SessionInfo         `json:"directory"`
}

// Status returns a snapshot of the mesh and of every joined session.
func (m *Mesh) Status(ctx context.Context) (Status, error) {
	m.mu.RLock()
	running := m.runCtx != nil
	joined := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		joined = append(joined, s)
	}
	dir := m.directory.list()
	m.mu.RUnlock()

	st := Status{
		Participant: m.self,
		Running:     running,
		Memberships: m.transport.Memberships(),
		Transport:   m.transport.Stats(),
		Directory:   dir,
	}
	sort.Slice(joined, func(i, j int) bool { return joined[i].Info.ID < joined[j].Info.ID })
	for _, s := range joined {
		cs, err := s.Coordination.Status(ctx)
		if err != nil {
			if errors.Is(err, coordination.ErrClosed) {
				continue
			}
			return st, err
		}
		st.Sessions = append(st.Sessions, cs)
	}
	return st, nil
}
