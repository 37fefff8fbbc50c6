package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/transport"
)

// Journal persists a record of every session the manager opens.
type Journal interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	UpdatePhase(ctx context.Context, id string, phase model.Phase) error
	Finish(ctx context.Context, id string, phase model.Phase, d model.Dimensions, errMsg string, endedAt time.Time) error
	List(ctx context.Context, limit int) ([]*model.SessionRecord, error)
}

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	Endpoint transport.EndpointOptions
	// MaxSessions caps live sessions. Zero means no limit.
	MaxSessions     int
	HistorySize     int
	SendInitialSize bool
}

// OpenRequest describes a session to open.
type OpenRequest struct {
	// Page is the URL of the hosting page the endpoint is derived from.
	Page string
	// Endpoint, when set, is used as-is instead of deriving one from Page.
	Endpoint   string
	Terminal   Terminal
	Hooks      Hooks
	Dimensions model.Dimensions
	// RecordingPath is journaled with the session when it is being recorded.
	RecordingPath string
}

// Manager opens sessions and tracks them until they end.
type Manager struct {
	transport Transport
	journal   Journal
	cfg       ManagerConfig
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// wg counts watchers; Add happens under mu while the manager is open.
	wg sync.WaitGroup
}

// NewManager creates a new session manager. A nil journal disables persistence.
func NewManager(t Transport, journal Journal, cfg ManagerConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		transport: t,
		journal:   journal,
		cfg:       cfg,
		logger:    log.WithComponent("session-manager"),
		sessions:  make(map[string]*Session),
	}
}

// Open resolves the endpoint for req and starts a new session. Each call
// resolves the endpoint afresh. A page that cannot be mapped to an endpoint
// is reported through OnError immediately, without any connection attempt.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	id := uuid.New().String()
	dims := req.Dimensions
	if dims == (model.Dimensions{}) {
		dims = model.DefaultDimensions
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = transport.ResolveEndpoint(req.Page, m.cfg.Endpoint)
		if err != nil {
			m.logger.Warn("endpoint unresolved", zap.String("page", req.Page), zap.Error(err))
			m.journalFailure(ctx, id, req, dims, err)
			if req.Hooks.OnError != nil {
				req.Hooks.OnError(model.UserMessage(err))
			}
			return nil, err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, model.ErrManagerClosed
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: maximum live sessions (%d) reached", model.ErrConcurrencyLimit, m.cfg.MaxSessions)
	}

	onConnect := req.Hooks.OnConnect
	hooks := req.Hooks
	hooks.OnConnect = func() {
		m.journalPhase(id, model.PhaseOpen)
		if onConnect != nil {
			onConnect()
		}
	}

	s := New(Config{
		ID:              id,
		Endpoint:        endpoint,
		Transport:       m.transport,
		Terminal:        req.Terminal,
		Hooks:           hooks,
		Dimensions:      dims,
		SendInitialSize: m.cfg.SendInitialSize,
		HistorySize:     m.cfg.HistorySize,
		Logger:          m.logger,
	})
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if m.journal != nil {
		rec := &model.SessionRecord{
			ID:            id,
			Page:          req.Page,
			Endpoint:      endpoint,
			Phase:         model.PhaseConnecting,
			Rows:          dims.Rows,
			Cols:          dims.Cols,
			RecordingPath: req.RecordingPath,
			StartedAt:     time.Now(),
		}
		if err := m.journal.Create(ctx, rec); err != nil {
			m.logger.Warn("failed to journal session", zap.String("session_id", id), zap.Error(err))
		}
	}

	go m.watch(s)
	s.Start(ctx)

	m.logger.Info("session started", zap.String("session_id", id), zap.String("endpoint", endpoint))
	return s, nil
}

// watch records the end of s and forgets it.
func (m *Manager) watch(s *Session) {
	defer m.wg.Done()
	<-s.Done()

	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()

	if m.journal == nil {
		return
	}
	errMsg := ""
	if err := s.Err(); err != nil {
		errMsg = model.UserMessage(err)
	}
	if err := m.journal.Finish(context.Background(), s.ID(), s.Phase(), s.Dimensions(), errMsg, time.Now()); err != nil {
		m.logger.Warn("failed to journal session end", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func (m *Manager) journalPhase(id string, phase model.Phase) {
	if m.journal == nil {
		return
	}
	if err := m.journal.UpdatePhase(context.Background(), id, phase); err != nil {
		m.logger.Warn("failed to journal phase", zap.String("session_id", id), zap.Error(err))
	}
}

func (m *Manager) journalFailure(ctx context.Context, id string, req OpenRequest, dims model.Dimensions, cause error) {
	if m.journal == nil {
		return
	}
	now := time.Now()
	rec := &model.SessionRecord{
		ID:        id,
		Page:      req.Page,
		Phase:     model.PhaseFailed,
		Rows:      dims.Rows,
		Cols:      dims.Cols,
		Error:     model.UserMessage(cause),
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := m.journal.Create(ctx, rec); err != nil {
		m.logger.Warn("failed to journal session", zap.String("session_id", id), zap.Error(err))
	}
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns the live sessions ordered by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// List returns journaled sessions, most recent first. It includes sessions
// that have already ended.
func (m *Manager) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.List(ctx, limit)
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseSession closes one live session.
func (m *Manager) CloseSession(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// Close closes every live session and waits for each to be journaled.
// Open fails with model.ErrManagerClosed once Close has been called.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.Sessions() {
		_ = s.Close()
	}
	m.wg.Wait()
	return nil
}
