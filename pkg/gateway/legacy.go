package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	legacySessionCap  = 50
	keepAliveInterval = 15 * time.Second
	// A session whose keep-alive never succeeded and that has been silent
	// this long is considered a dead connection.
	deadConnectionAfter = 60 * time.Second
	// An otherwise healthy session silent this long gets probed with a
	// ping comment.
	probeAfter = 2 * time.Minute

	maxSessionErrors = 5
)

// legacySession is one SSE client session: the long-lived GET stream plus
// the POST ingress keyed by sessionId. All stream writes are serialized
// through wmu; cleanup is idempotent and may be entered from the keep-alive
// path, the reaper, the peer-close callback, or shutdown.
type legacySession struct {
	id        string
	createdAt time.Time
	ctx       context.Context

	mu           sync.Mutex
	lastActivity time.Time
	state        connState
	keepAliveOK  int
	errorCount   int
	cleaned      bool

	wmu     sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (s *legacySession) SessionID() string { return s.id }

// Deliver writes a message event onto the SSE stream. Failures are handled
// by the keep-alive and reaper paths; delivery itself is best-effort.
func (s *legacySession) Deliver(msg *rpcMessage) {
	if err := s.writeEvent("message", msg); err == nil {
		s.touch()
	}
}

func (s *legacySession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// writeEvent emits one SSE event frame. The socket must still be writable:
// a cleaned-up session or a closed peer context refuses the write.
func (s *legacySession) writeEvent(event string, msg *rpcMessage) error {
	data, err := jsonEncode(msg)
	if err != nil {
		return err
	}
	return s.writeRaw(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

func (s *legacySession) writeComment(comment string) error {
	return s.writeRaw(":" + comment + "\n\n")
}

func (s *legacySession) writeRaw(frame string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.dead {
		return io.ErrClosedPipe
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// endResponse marks the stream unwritable and unblocks the handler
// goroutine, which ends the HTTP response by returning.
func (s *legacySession) endResponse() {
	s.wmu.Lock()
	s.dead = true
	s.wmu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *legacySession) counters() (keepAliveOK, errorCount int, state connState, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAliveOK, s.errorCount, s.state, time.Since(s.lastActivity)
}

// LegacyManager owns the SSE sessions: the event stream with its 15s
// keep-alive, the POST ingress, error categorization, and the dead-session
// reaper.
type LegacyManager struct {
	router      *Router
	logger      *zap.Logger
	messagePath string
	modernPath  string

	mu       sync.Mutex
	sessions map[string]*legacySession

	draining atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// NewLegacyManager builds the manager and starts its reaper. messagePath is
// advertised to clients in the endpoint event; modernPath is pointed to
// when a client POSTs to the SSE path by mistake.
func NewLegacyManager(router *Router, messagePath, modernPath string, logger *zap.Logger) *LegacyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &LegacyManager{
		router:      router,
		logger:      logger,
		messagePath: messagePath,
		modernPath:  modernPath,
		sessions:    make(map[string]*legacySession),
		stop:        make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Count returns the number of live SSE sessions.
func (m *LegacyManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleSSE serves the legacy event stream. The handler goroutine owns the
// keep-alive ticker and blocks until the session is cleaned up or the peer
// goes away.
func (m *LegacyManager) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if m.draining.Load() {
		writeRPCMessage(w, http.StatusServiceUnavailable,
			errorMessage(nil, codeServerBusy, "Server is shutting down"))
		return
	}
	m.mu.Lock()
	if len(m.sessions) >= legacySessionCap {
		m.mu.Unlock()
		writeRPCMessage(w, http.StatusServiceUnavailable,
			errorMessage(nil, codeServerBusy, "Too many active SSE sessions"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		m.mu.Unlock()
		writeRPCMessage(w, http.StatusInternalServerError,
			errorMessage(nil, codeInternal, "streaming unsupported"))
		return
	}

	now := time.Now()
	s := &legacySession{
		id:           uuid.NewString(),
		createdAt:    now,
		ctx:          r.Context(),
		lastActivity: now,
		state:        stateActive,
		w:            w,
		flusher:      flusher,
		ticker:       time.NewTicker(keepAliveInterval),
		done:         make(chan struct{}),
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	setEventStreamHeaders(w.Header())
	w.Header().Set("Keep-Alive", "timeout=300")
	// The stream stays open for minutes; the peer is watched through TCP
	// keep-alive probes and the ticker below, not a read deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	m.logger.Info("sse session created", zap.String("session", s.id))
	if err := s.writeRaw(fmt.Sprintf("event: endpoint\ndata: %s?sessionId=%s\n\n", m.messagePath, s.id)); err != nil {
		m.cleanup(s, stateError, "endpoint event write failed")
		return
	}
	// Broadcasts start flowing only once the stream preamble is on the wire.
	m.router.addSession(s)

	for {
		select {
		case <-r.Context().Done():
			m.cleanup(s, stateClosed, "peer disconnected")
			return
		case <-s.done:
			return
		case <-s.ticker.C:
			m.keepAlive(s)
		}
	}
}

// keepAlive writes the periodic comment and applies the error policy: a
// critical error, or more than maxSessionErrors failed writes of any
// category, cleans the session up.
func (m *LegacyManager) keepAlive(s *legacySession) {
	err := s.writeComment("keepalive")
	if err == nil {
		s.mu.Lock()
		s.keepAliveOK++
		s.lastActivity = time.Now()
		s.mu.Unlock()
		return
	}
	category := classifyError(err)
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	s.mu.Unlock()
	m.logger.Debug("keepalive write failed",
		zap.String("session", s.id),
		zap.String("category", category.String()),
		zap.Int("errors", count),
		zap.Error(err))
	if category == errorCritical || count > maxSessionErrors {
		m.cleanup(s, stateError, "keepalive failure")
	}
}

// HandleSSEPost rejects POSTs to the SSE path, pointing at the modern
// endpoint instead.
func (m *LegacyManager) HandleSSEPost(w http.ResponseWriter, _ *http.Request) {
	writeRPCMessage(w, http.StatusBadRequest,
		errorMessage(nil, codeInvalidRequest,
			fmt.Sprintf("POST is not accepted on the SSE endpoint; use %s", m.modernPath)))
}

// HandleMessage serves the legacy POST ingress. The response to a request
// travels back over the session's SSE stream; the POST itself is merely
// acknowledged.
func (m *LegacyManager) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		writeRPCMessage(w, http.StatusBadRequest,
			errorMessage(nil, codeInvalidRequest, "missing sessionId query parameter"))
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[sid]
	m.mu.Unlock()
	if !ok {
		writeRPCMessage(w, http.StatusServiceUnavailable,
			errorMessage(nil, codeServerBusy, "no active session for sessionId"))
		return
	}

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
	s.touch()

	resp := m.router.Dispatch(r.Context(), s, msg)
	if resp != nil {
		s.Deliver(resp)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *LegacyManager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap applies the three-step policy: evict dead connections immediately,
// probe long-idle sessions with a ping comment, leave the rest alone.
func (m *LegacyManager) reap() {
	m.mu.Lock()
	sessions := make([]*legacySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		keepAliveOK, _, state, idle := s.counters()
		switch {
		case state != stateActive,
			keepAliveOK == 0 && idle > deadConnectionAfter:
			m.cleanup(s, stateError, "dead connection")
		case idle > probeAfter:
			if err := s.writeComment("ping"); err != nil {
				m.cleanup(s, stateError, "ping probe failed")
			} else {
				s.touch()
			}
		}
	}
}

// cleanup tears one session down. The guard flag makes it safe to enter
// from the keep-alive path, the reaper, the peer-close callback, and
// shutdown; each step is isolated so one failure cannot halt the rest.
func (m *LegacyManager) cleanup(s *legacySession, cause connState, reason string) {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	if s.state == stateActive {
		s.state = cause
	}
	s.mu.Unlock()

	s.ticker.Stop()

	// Out of the map first, so new events and POSTs cannot re-enter the
	// session mid-teardown.
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.router.removeSession(s.id)

	s.endResponse()
	m.logger.Info("sse session cleaned up",
		zap.String("session", s.id), zap.String("reason", reason))
}

// SetDraining stops new SSE sessions from being accepted.
func (m *LegacyManager) SetDraining() {
	m.draining.Store(true)
}

// CloseAll cleans up every session and stops the reaper.
func (m *LegacyManager) CloseAll() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*legacySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.cleanup(s, stateClosed, "shutdown")
	}
}
