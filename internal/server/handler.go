package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
	"github.com/dontdude/rp2g/internal/job"
	"github.com/dontdude/rp2g/internal/metrics"
	"github.com/dontdude/rp2g/internal/worker"
)

const defaultWriteTimeout = 10 * time.Second

// Enqueuer accepts executions for scheduling.
type Enqueuer interface {
	Enqueue(ctx context.Context, t worker.Task) error
}

// Handler accepts job submissions over WebSocket. Each connection carries one job.
type Handler struct {
	factory         *job.Factory
	queue           Enqueuer
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	writeTimeout    time.Duration
}

// NewHandler returns a Handler creating executions with factory and scheduling them on queue.
func NewHandler(factory *job.Factory, queue Enqueuer, maxMessageBytes int64) *Handler {
	return &Handler{
		factory: factory,
		queue:   queue,
		upgrader: websocket.Upgrader{
			// The browser client is served from arbitrary hosts.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageBytes: maxMessageBytes,
		writeTimeout:    defaultWriteTimeout,
	}
}

// ServeHTTP upgrades the connection and reads the job configuration from it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		slog.Error("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	if h.maxMessageBytes > 0 {
		ws.SetReadLimit(h.maxMessageBytes)
	}

	logger := slog.With("remoteAddr", r.RemoteAddr)
	logger.Info("Client connected via WebSocket")
	c := newConn(ws, h.writeTimeout)

	var exec *job.Execution
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Info("Client closed connection", "code", closeErr.Code, "reason", closeErr.Text)
			} else {
				logger.Debug("Connection read ended", "error", err)
			}
			break
		}

		if exec != nil {
			logger.Info("Ignoring message, job already accepted", "jobID", exec.ID())
			_ = c.Send("Job already accepted, message ignored.\n")
			continue
		}

		cfg, err := decodeSubmission(messageType, data, logger)
		if err != nil {
			if errors.Is(err, errUnsupportedMessage) {
				continue
			}
			logger.Warn("Rejected job submission", "error", err)
			metrics.RecordRejected("invalid_config")
			_ = c.Close(websocket.CloseProtocolError, err.Error())
			break
		}

		exec, err = h.factory.New(c, cfg)
		if err != nil {
			logger.Error("Failed to create job", "error", err)
			metrics.RecordRejected("internal")
			_ = c.Close(websocket.CloseInternalServerErr, "internal error")
			break
		}
		if err := h.queue.Enqueue(r.Context(), exec); err != nil {
			logger.Warn("Failed to enqueue job", "jobID", exec.ID(), "error", err)
			metrics.RecordRejected("shutting_down")
			exec.Discard()
			break
		}
		logger.Info("Job queued", "jobID", exec.ID())
	}

	// An accepted execution owns the connection and closes it when it ends.
	if exec == nil {
		_ = c.Close(websocket.CloseNormalClosure, "")
	}
}

var errUnsupportedMessage = errors.New("unsupported message type")

// decodeSubmission turns a data message into a job configuration. Binary messages carry an
// envelope, text messages plain JSON.
func decodeSubmission(messageType int, data []byte, logger *slog.Logger) (*domain.JobConfig, error) {
	switch messageType {
	case websocket.BinaryMessage:
		logger.Info("Config received as packed message.")
		body, err := envelope.Open(data)
		if err != nil {
			return nil, fmt.Errorf("decoding packed config: %w", err)
		}
		return domain.ParseJobConfig(body)
	case websocket.TextMessage:
		logger.Info("Config received as JSON message.")
		return domain.ParseJobConfig(data)
	default:
		logger.Info("Unknown message type", "type", messageType)
		return nil, errUnsupportedMessage
	}
}
