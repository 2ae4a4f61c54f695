package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/tokens"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 10 * time.Second

// SSEPublisher streams JetStream events to Server-Sent Events clients.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, js, err := natspkg.Connect(natsURL, "tokendesk-sse-publisher")
	if err != nil {
		return nil, err
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// sseWriter frames events on a streaming response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	stream  string
	metrics *metrics.Metrics
}

func newSSEWriter(w http.ResponseWriter, stream string, m *metrics.Metrics) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	flusher, _ := w.(http.Flusher)
	s := &sseWriter{w: w, flusher: flusher, stream: stream, metrics: m}
	s.flush()
	return s
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flush()
	if s.metrics != nil {
		s.metrics.RecordSSEEventSent(s.stream, name)
	}
	return nil
}

func (s *sseWriter) keepalive() {
	fmt.Fprint(s.w, ": keepalive\n\n")
	s.flush()
}

func (s *sseWriter) track(delta float64) {
	if s.metrics != nil {
		s.metrics.RecordSSEConnectionChange(s.stream, delta)
	}
}

// handleStreamNotifications streams desk notifications as they are raised.
// GET /api/v1/stream/notifications
func handleStreamNotifications(desk *tokens.Desk, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(w, "notifications", m)
		sse.track(1)
		defer sse.track(-1)

		ch, cancel := desk.Notifier().Subscribe(16)
		defer cancel()

		logger.DebugContext(r.Context(), "SSE client connected", "stream", "notifications", "remote_addr", r.RemoteAddr)

		// Replay what is still active so a fresh client sees current state.
		for _, n := range desk.Notifications() {
			if err := sse.event("notification", n); err != nil {
				return
			}
		}

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				sse.keepalive()
			case n, ok := <-ch:
				if !ok {
					return
				}
				if err := sse.event("notification", n); err != nil {
					logger.DebugContext(r.Context(), "SSE write failed", "error", err)
					return
				}
			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "stream", "notifications", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}

// handleStreamEvents streams operation, notification and snapshot events
// from JetStream. Without an address every wallet's events are streamed.
// GET /api/v1/stream/events/{address}
// GET /api/v1/stream/events
func handleStreamEvents(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		walletDesc := address
		filter := address
		if address == "" {
			walletDesc = "all wallets"
			filter = "*"
		} else if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		sse := newSSEWriter(w, "events", m)
		sse.track(1)
		defer sse.track(-1)

		logger.DebugContext(r.Context(), "SSE client connected", "wallet", walletDesc, "remote_addr", r.RemoteAddr)

		// Ephemeral consumer, only new messages.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubjects: []string{
				natspkg.OperationSubject(filter),
				natspkg.NotificationSubject(filter),
				natspkg.SnapshotSubject(filter),
			},
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer", "wallet", walletDesc, "error", err)
			_ = sse.event("error", map[string]string{"error": "failed to subscribe"})
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		if err := sse.event("connected", map[string]string{"wallet": walletDesc}); err != nil {
			return
		}

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				sse.keepalive()

			case msg := <-msgChan:
				env, err := natspkg.Decode(msg.Subject(), msg.Data())
				if err != nil {
					logger.WarnContext(r.Context(), "failed to decode event", "subject", msg.Subject(), "error", err)
					ackMessage(r.Context(), logger, msg)
					continue
				}
				if err := sse.event(env.Kind, env.Payload()); err != nil {
					logger.DebugContext(r.Context(), "SSE write failed", "error", err)
					return
				}
				ackMessage(r.Context(), logger, msg)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "wallet", walletDesc, "remote_addr", r.RemoteAddr)
				return

			case <-doneChan:
				return
			}
		}
	})
}

// ackMessage acknowledges msg. A failed ack is logged and the stream goes on.
func ackMessage(ctx context.Context, logger *slog.Logger, msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		logger.DebugContext(ctx, "failed to ack event", "subject", msg.Subject(), "error", err)
	}
}
