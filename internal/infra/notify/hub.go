// Package notify fans balance updates out to live subscribers over
// Server-Sent Events.
//
// Every message is JSON of the form
//
//	{"type":"update_points","seq":N,"source":"reconcile","as_of":T,"accounts":[...]}
//
// A cycle update is re-sent every RepeatInterval until the next cycle update
// replaces it, so clients that missed a send still converge. Repeats carry
// the original seq; clients use it to drop duplicates.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// MessageType is the "type" field on every broadcast.
const MessageType = "update_points"

// Config tunes the hub.
type Config struct {
	RepeatInterval time.Duration
	Buffer         int // per-subscriber channel size
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RepeatInterval: 15 * time.Second,
		Buffer:         32,
	}
}

// Message is the wire payload.
type Message struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Source string `json:"source"`
	AsOf   int64  `json:"as_of"`

	Accounts []domain.AccountBalance `json:"accounts"`
}

// Hub is the broadcast channel. It implements domain.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	seq     uint64
	repeat  context.CancelFunc
	closed  bool

	cfg    Config
	logger *slog.Logger
}

var _ domain.Publisher = (*Hub)(nil)

// NewHub creates a hub. A nil logger falls back to slog.Default().
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		cfg:     cfg,
		logger:  logger.With("component", "notify"),
	}
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, h.cfg.Buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	observability.Subscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
				observability.Subscribers.Dec()
			}
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends update once.
func (h *Hub) Publish(update domain.BalanceUpdate) {
	data, ok := h.encode(update)
	if !ok {
		return
	}
	h.broadcast(data, "publish")
}

// PublishCycle sends update and re-sends it every RepeatInterval until the
// next PublishCycle call or Close. Repeats carry the original seq, so a
// one-shot Publish sent after the cycle (a transfer, a failed cycle's
// committed batches) has a higher seq than every later repeat. Clients
// keep per-account values from the highest seq they have seen.
func (h *Hub) PublishCycle(update domain.BalanceUpdate) {
	data, ok := h.encode(update)
	if !ok {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.repeat != nil {
		h.repeat()
		h.repeat = nil
	}
	var ctx context.Context
	if h.cfg.RepeatInterval > 0 {
		ctx, h.repeat = context.WithCancel(context.Background())
	}
	h.mu.Unlock()

	h.broadcast(data, "publish")
	if ctx != nil {
		go h.repeatLoop(ctx, data)
	}
}

func (h *Hub) repeatLoop(ctx context.Context, data []byte) {
	ticker := time.NewTicker(h.cfg.RepeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(data, "repeat")
		}
	}
}

// Close stops any repeat loop and disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.repeat != nil {
		h.repeat()
		h.repeat = nil
	}
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
		observability.Subscribers.Dec()
	}
}

func (h *Hub) encode(update domain.BalanceUpdate) ([]byte, bool) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	accounts := update.Accounts
	if accounts == nil {
		accounts = []domain.AccountBalance{}
	}
	data, err := json.Marshal(Message{
		Type:     MessageType,
		Seq:      seq,
		Source:   update.Source,
		AsOf:     update.AsOf,
		Accounts: accounts,
	})
	if err != nil {
		h.logger.Error("encode update", "seq", seq, "err", err)
		return nil, false
	}
	return data, true
}

// broadcast never blocks: a subscriber whose buffer is full misses the
// message.
func (h *Hub) broadcast(data []byte, kind string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			observability.DroppedMessages.Inc()
		}
	}
	observability.Broadcasts.WithLabelValues(kind).Inc()
}

// ─── SSE Transport ──────────────────────────────────────────────────────────

// HandleSSE serves the live balance feed via Server-Sent Events.
// GET /api/balances/live
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
