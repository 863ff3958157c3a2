package stream

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// DefaultKeepAliveInterval paces SSE comment lines that hold idle
// connections open through proxies.
const DefaultKeepAliveInterval = 15 * time.Second

const (
	eventFrameName = "plan.step"
	keepAliveFrame = ": keep-alive\n\n"
)

// ErrorEnvelope is the HTTP error body shared by all endpoints.
type ErrorEnvelope struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Code: code, Message: message})
}

// quota caps concurrent streams per key.
type quota struct {
	limit int

	mu     sync.Mutex
	counts map[string]int
}

func newQuota(limit int) *quota {
	return &quota{limit: limit, counts: make(map[string]int)}
}

// acquire reserves a slot for the key. Keys are unlimited when the quota
// is disabled or the key is empty.
func (q *quota) acquire(key string) bool {
	if q.limit <= 0 || key == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.counts[key] >= q.limit {
		return false
	}
	q.counts[key]++
	return true
}

func (q *quota) release(key string) {
	if q.limit <= 0 || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.counts[key] <= 1 {
		delete(q.counts, key)
	} else {
		q.counts[key]--
	}
}

// outbox orders frames awaiting the socket. A keep-alive is queued at most
// once: if one is already pending it is neither dropped nor duplicated,
// and events arriving behind it flush in order.
type outbox struct {
	mu              sync.Mutex
	frames          []string
	keepAlivePos    int
	keepAliveQueued bool
}

func (o *outbox) pushEvent(frame string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame)
}

func (o *outbox) pushKeepAlive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keepAliveQueued {
		return
	}
	o.keepAliveQueued = true
	o.frames = append(o.frames, keepAliveFrame)
}

// drain returns all pending frames in order and resets the queue.
func (o *outbox) drain() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	o.keepAliveQueued = false
	return frames
}

// SSEConfig configures the SSE handler.
type SSEConfig struct {
	Log *EventLog

	// PerIP and PerSubject cap concurrent streams. Zero disables a cap.
	PerIP      int
	PerSubject int

	// SubjectFn extracts the authenticated subject from a request. Nil
	// disables the per-subject quota.
	SubjectFn func(*http.Request) string

	KeepAliveInterval time.Duration
	Logger            core.Logger
}

// SSEHandler streams plan events at GET /plan/{planId}/events: history
// replay first, then live events, with periodic keep-alive comments.
type SSEHandler struct {
	log       *EventLog
	perIP     *quota
	perSub    *quota
	subjectFn func(*http.Request) string
	keepAlive time.Duration
	logger    core.Logger
}

// NewSSEHandler creates the handler.
func NewSSEHandler(cfg SSEConfig) (*SSEHandler, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("sse handler requires an event log: %w", core.ErrInvalidConfiguration)
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &SSEHandler{
		log:       cfg.Log,
		perIP:     newQuota(cfg.PerIP),
		perSub:    newQuota(cfg.PerSubject),
		subjectFn: cfg.SubjectFn,
		keepAlive: keepAlive,
		logger:    core.EnsureLogger(cfg.Logger),
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	planID := planIDFromPath(r)
	if planID == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "missing plan id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "upstream_error", "streaming unsupported")
		return
	}

	ip := clientIP(r)
	subject := ""
	if h.subjectFn != nil {
		subject = h.subjectFn(r)
	}

	if !h.perIP.acquire(ip) {
		WriteError(w, http.StatusTooManyRequests, "too_many_requests", "too many concurrent event streams")
		return
	}
	if !h.perSub.acquire(subject) {
		h.perIP.release(ip)
		WriteError(w, http.StatusTooManyRequests, "too_many_requests", "too many concurrent event streams")
		return
	}
	// Released on disconnect and on any write failure below.
	defer func() {
		h.perSub.release(subject)
		h.perIP.release(ip)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Snapshot and subscription happen under one log lock: an event lands
	// in the replayed history or in the outbox, never both. Live events
	// queue in the outbox while the replay is still being written.
	ob := &outbox{}
	wake := make(chan struct{}, 1)
	history, cancel := h.log.SubscribeWithHistory(planID, func(event PlanEvent) {
		ob.pushEvent(eventFrame(event))
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for _, event := range history {
		if err := writeFrame(w, flusher, eventFrame(event)); err != nil {
			// Quota release happens through the deferred calls.
			h.logger.Debug("SSE write failed during replay", map[string]interface{}{
				"plan_id": planID,
				"error":   err.Error(),
			})
			return
		}
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		for _, frame := range ob.drain() {
			if err := writeFrame(w, flusher, frame); err != nil {
				return
			}
		}

		select {
		case <-wake:
		case <-ticker.C:
			ob.pushKeepAlive()
		case <-r.Context().Done():
			return
		}
	}
}

func eventFrame(event PlanEvent) string {
	data, err := json.Marshal(event)
	if err != nil {
		data = []byte("{}")
	}
	return "event: " + eventFrameName + "\ndata: " + string(data) + "\n\n"
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame string) error {
	if _, err := fmt.Fprint(w, frame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// planIDFromPath extracts the plan id from /plan/{planId}/events, using
// the route pattern value when the mux provides one.
func planIDFromPath(r *http.Request) string {
	if id := r.PathValue("planId"); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "plan" && parts[2] == "events" {
		return parts[1]
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
