package gateway

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerSessionID = "mcp-session-id"

	modernSessionCap  = 100
	modernIdleTimeout = 5 * time.Minute
	reapInterval      = 10 * time.Second
	sessionCloseGrace = 2 * time.Second
)

// connState is the monotonic session lifecycle: active, then closed or
// error, never back.
type connState int32

const (
	stateActive connState = iota
	stateClosed
	stateError
)

// modernSession is one Streamable HTTP client session. The active-request
// counter is incremented before any dispatch and released on every exit
// path; the reaper never evicts a session with in-flight requests.
type modernSession struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	active       int
	state        connState

	events    chan *rpcMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newModernSession() *modernSession {
	now := time.Now()
	return &modernSession{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		state:        stateActive,
		events:       make(chan *rpcMessage, 32),
		done:         make(chan struct{}),
	}
}

func (s *modernSession) SessionID() string { return s.id }

// Deliver enqueues a server-to-client message for the session's GET stream.
// It never blocks; a session that is not draining its stream loses
// broadcasts rather than stalling the sender.
func (s *modernSession) Deliver(msg *rpcMessage) {
	select {
	case s.events <- msg:
	case <-s.done:
	default:
	}
}

// tryAcquire takes one active-request slot, refusing when the session is no
// longer active or the per-session cap is reached.
func (s *modernSession) tryAcquire(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return false
	}
	if s.active >= max {
		return false
	}
	s.active++
	s.lastActivity = time.Now()
	return true
}

func (s *modernSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *modernSession) release() {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *modernSession) close(to connState) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = to
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *modernSession) idleFor(now time.Time) (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity), s.active
}

// ModernManager owns the Streamable HTTP sessions: creation on initialize,
// the session and per-session request caps, the GET event stream, DELETE
// termination, and the stale-session reaper.
type ModernManager struct {
	router        *Router
	logger        *zap.Logger
	maxPerSession int

	mu       sync.Mutex
	sessions map[string]*modernSession

	draining atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// NewModernManager builds the manager and starts its reaper.
func NewModernManager(router *Router, maxPerSession int, logger *zap.Logger) *ModernManager {
	if maxPerSession <= 0 {
		maxPerSession = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ModernManager{
		router:        router,
		logger:        logger,
		maxPerSession: maxPerSession,
		sessions:      make(map[string]*modernSession),
		stop:          make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Count returns the number of live sessions.
func (m *ModernManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *ModernManager) get(id string) (*modernSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HandlePost serves modern transport ingress: an initialize request with no
// session id creates a session; anything else requires the session header.
func (m *ModernManager) HandlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeParseError, "unreadable request body"))
		return
	}
	msg, err := parseMessage(body)
	if err != nil {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeParseError, "invalid JSON-RPC payload"))
		return
	}

	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		if msg.Method != "initialize" {
			writeRPCMessage(w, http.StatusBadRequest,
				errorMessage(msg.ID, codeInvalidRequest, "missing mcp-session-id header"))
			return
		}
		m.handleInitialize(w, r, msg)
		return
	}

	s, ok := m.get(sid)
	if !ok {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(msg.ID, codeInvalidRequest, "unknown or expired session id"))
		return
	}
	if !s.tryAcquire(m.maxPerSession) {
		writeRPCMessage(w, http.StatusTooManyRequests,
			errorMessage(msg.ID, codeServerBusy, "Too many concurrent requests for this session"))
		return
	}
	defer s.release()

	if msg.isNotification() {
		m.router.Dispatch(r.Context(), s, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	resp := m.router.Dispatch(r.Context(), s, msg)
	writeRPCMessage(w, http.StatusOK, resp)
}

func (m *ModernManager) handleInitialize(w http.ResponseWriter, r *http.Request, msg *rpcMessage) {
	if m.draining.Load() {
		writeRPCMessage(w, http.StatusServiceUnavailable,
			errorMessage(nil, codeServerBusy, "Server is shutting down"))
		return
	}
	m.mu.Lock()
	if len(m.sessions) >= modernSessionCap {
		m.mu.Unlock()
		writeRPCMessage(w, http.StatusServiceUnavailable,
			errorMessage(nil, codeServerBusy, "Too many active sessions"))
		return
	}
	s := newModernSession()
	// The initialize request itself holds the first active slot.
	s.active = 1
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.router.addSession(s)

	m.logger.Info("modern session created", zap.String("session", s.id))
	resp := m.router.Dispatch(r.Context(), s, msg)
	s.release()
	w.Header().Set(headerSessionID, s.id)
	writeRPCMessage(w, http.StatusOK, resp)
}

// HandleGet serves the server-to-client event stream for one session.
func (m *ModernManager) HandleGet(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeInvalidRequest, "missing mcp-session-id header"))
		return
	}
	s, ok := m.get(sid)
	if !ok {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeInvalidRequest, "unknown or expired session id"))
		return
	}
	if !s.tryAcquire(m.maxPerSession) {
		writeRPCMessage(w, http.StatusTooManyRequests,
			errorMessage(nil, codeServerBusy, "Too many concurrent requests for this session"))
		return
	}
	defer s.release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCMessage(w, http.StatusInternalServerError,
			errorMessage(nil, codeInternal, "streaming unsupported"))
		return
	}
	setEventStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case msg := <-s.events:
			if err := writeSSEMessage(w, flusher, msg); err != nil {
				m.logger.Debug("modern stream write failed",
					zap.String("session", s.id), zap.Error(err))
				return
			}
			s.touch()
		}
	}
}

// HandleDelete terminates a session. Any later request carrying the same id
// is rejected with 400.
func (m *ModernManager) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeInvalidRequest, "missing mcp-session-id header"))
		return
	}
	s, ok := m.get(sid)
	if !ok {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeInvalidRequest, "unknown or expired session id"))
		return
	}
	m.remove(s, stateClosed)
	m.logger.Info("modern session terminated", zap.String("session", s.id))
	w.WriteHeader(http.StatusOK)
}

// remove takes the session out of the map first so no new request can find
// it, then marks it closed. Ids are never reused.
func (m *ModernManager) remove(s *modernSession, to connState) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.router.removeSession(s.id)
	s.close(to)
}

func (m *ModernManager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap(time.Now())
		}
	}
}

// reap closes sessions idle past the timeout. Sessions with in-flight
// requests are always preserved to protect long-running calls.
func (m *ModernManager) reap(now time.Time) {
	m.mu.Lock()
	var stale []*modernSession
	for _, s := range m.sessions {
		if idle, active := s.idleFor(now); active == 0 && idle > modernIdleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		m.logger.Info("reaping stale modern session", zap.String("session", s.id))
		m.remove(s, stateClosed)
	}
}

// SetDraining stops new sessions from being created; in-flight sessions
// continue until closed.
func (m *ModernManager) SetDraining() {
	m.draining.Store(true)
}

// CloseAll terminates every session and stops the reaper. Closing a session
// is non-blocking, so no per-session grace period is waited out.
func (m *ModernManager) CloseAll() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*modernSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.remove(s, stateClosed)
	}
}
