// Package attach multiplexes interactive terminal sessions onto running
// services: replay from the log ring, live output fan-out, serialized input
// and epoch-based invalidation across restarts.
package attach

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/logring"
	"github.com/prochub/prochub/internal/supervisor/pty"
	"github.com/prochub/prochub/internal/supervisor/runtime"
)

// ReplayLimit caps the scrollback replayed to a newly attached client.
const ReplayLimit = 64 * 1024

// CloseReason explains why the hub ended a session.
type CloseReason string

const (
	ReasonNormal           CloseReason = "normal"
	ReasonServiceStopped   CloseReason = "service_stopped"
	ReasonServiceRestarted CloseReason = "service_restarted"
	ReasonAuthFailed       CloseReason = "auth_failed"
	ReasonInternalError    CloseReason = "internal_error"
)

// Process is the slice of the service runtime a session needs.
type Process interface {
	Status() runtime.Status
	Ring() *logring.Ring
	Input(b []byte) error
	Signal(sig pty.Signal) error
}

// Session is one attached client. Output is consumed from Output(); the
// channel closes when the session ends or the client lags behind.
type Session struct {
	ServiceID string
	PeerID    string
	Epoch     uint64

	proc     Process
	sub      *logring.Subscription
	snapshot []byte

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	reason CloseReason
}

// Snapshot returns the scrollback captured at attach time. Output() delivers
// every chunk appended after it, with no gap and no overlap.
func (s *Session) Snapshot() []byte { return s.snapshot }

// Output returns the live output channel.
func (s *Session) Output() <-chan []byte { return s.sub.C }

// Lagged reports whether the session was dropped for falling behind.
func (s *Session) Lagged() bool { return s.sub.Lagged() }

// Input forwards raw bytes to the service's terminal.
func (s *Session) Input(b []byte) error {
	select {
	case <-s.done:
		return apperrors.IllegalTransition(s.ServiceID, "detached", "input")
	default:
	}
	return s.proc.Input(b)
}

// Signal delivers a named signal to the service process.
func (s *Session) Signal(sig pty.Signal) error {
	return s.proc.Signal(sig)
}

// Done is closed when the hub ends the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session ended. Valid after Done() is closed.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.sub.Unsubscribe()
		close(s.done)
	})
}

// Hub tracks attach sessions per service.
type Hub struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
}

// NewHub builds an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.WithFields(zap.String("component", "attach_hub")),
		sessions: make(map[string]map[*Session]struct{}),
	}
}

// Attach opens a session on a running service. The returned session carries
// a gap-free snapshot of recent output plus a live subscription.
func (h *Hub) Attach(proc Process) (*Session, error) {
	st := proc.Status()
	if st.State != runtime.StateRunning && st.State != runtime.StateStarting {
		return nil, apperrors.IllegalTransition(st.ID, string(st.State), "attach")
	}

	snapshot, sub := proc.Ring().SubscribeSnapshot(ReplayLimit)
	sess := &Session{
		ServiceID: st.ID,
		PeerID:    uuid.NewString(),
		Epoch:     st.Epoch,
		proc:      proc,
		sub:       sub,
		snapshot:  snapshot,
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	set := h.sessions[st.ID]
	if set == nil {
		set = make(map[*Session]struct{})
		h.sessions[st.ID] = set
	}
	set[sess] = struct{}{}
	h.mu.Unlock()

	h.log.Info("client attached",
		zap.String("service_id", st.ID),
		zap.String("peer_id", sess.PeerID),
		zap.Uint64("epoch", st.Epoch),
		zap.Int("replay_bytes", len(snapshot)))
	return sess, nil
}

// Detach ends a single session, normally because the client disconnected.
func (h *Hub) Detach(sess *Session) {
	h.remove(sess)
	sess.close(ReasonNormal)
	h.log.Debug("client detached",
		zap.String("service_id", sess.ServiceID),
		zap.String("peer_id", sess.PeerID))
}

func (h *Hub) remove(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[sess.ServiceID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.sessions, sess.ServiceID)
		}
	}
}

// InvalidateState closes every session of a service that left Running.
func (h *Hub) InvalidateState(serviceID string) {
	h.closeService(serviceID, ReasonServiceStopped, 0)
}

// InvalidateEpoch closes sessions attached to an earlier run of the service.
func (h *Hub) InvalidateEpoch(serviceID string, epoch uint64) {
	h.closeService(serviceID, ReasonServiceRestarted, epoch)
}

func (h *Hub) closeService(serviceID string, reason CloseReason, newerThan uint64) {
	h.mu.Lock()
	var victims []*Session
	for sess := range h.sessions[serviceID] {
		if newerThan == 0 || sess.Epoch < newerThan {
			victims = append(victims, sess)
			delete(h.sessions[serviceID], sess)
		}
	}
	if set, ok := h.sessions[serviceID]; ok && len(set) == 0 {
		delete(h.sessions, serviceID)
	}
	h.mu.Unlock()

	for _, sess := range victims {
		sess.close(reason)
	}
	if len(victims) > 0 {
		h.log.Info("sessions invalidated",
			zap.String("service_id", serviceID),
			zap.String("reason", string(reason)),
			zap.Int("count", len(victims)))
	}
}

// CloseAll ends every session, used on supervisor shutdown.
func (h *Hub) CloseAll(reason CloseReason) {
	h.mu.Lock()
	var victims []*Session
	for _, set := range h.sessions {
		for sess := range set {
			victims = append(victims, sess)
		}
	}
	h.sessions = make(map[string]map[*Session]struct{})
	h.mu.Unlock()

	for _, sess := range victims {
		sess.close(reason)
	}
}

// Count returns the number of live sessions for a service.
func (h *Hub) Count(serviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[serviceID])
}
