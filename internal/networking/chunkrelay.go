package networking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	jitterFactor   = 0.3

	DefaultRelayQueueCapacity = 64
)

var errRelayConnectionLost = errors.New("relay connection lost")

// ChunkRelay forwards stream chunks to a speech consumer over a websocket.
//
// Each chunk becomes one binary message. The relay sits between a
// ChunkStreamerDevice and the network:
//
//  1. Push (a ChunkHandler) queues the chunk on a bounded drop-oldest queue and
//     returns immediately, so a slow or absent consumer never stalls capture.
//
//  2. Run dials the consumer URL, then writes queued chunks in order and pings
//     the connection to keep it alive.
//
//  3. When the connection fails, Run reconnects with jittered exponential
//     backoff. Chunks pushed in the meantime wait in the queue; the oldest are
//     discarded once it fills.
//
// The relay only sends. Messages from the consumer are read and discarded.
type ChunkRelay struct {
	logger *slog.Logger
	uuid   uuid.UUID

	url     string
	header  http.Header
	dialer  websocket.Dialer
	queue   *device.ChunkQueue
	metrics *metrics.Metrics
}

// Create a relay to the websocket url (ws:// or wss://). Extra headers, e.g.
// for authentication, are sent with every handshake.
func NewChunkRelay(url string, header http.Header, queueCapacity int, m *metrics.Metrics) *ChunkRelay {
	uuid := uuid.New()
	if queueCapacity <= 0 {
		queueCapacity = DefaultRelayQueueCapacity
	}
	return &ChunkRelay{
		logger: slog.Default().With(
			"chunk relay uuid", uuid,
		),
		uuid:    uuid,
		url:     url,
		header:  header,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		queue:   device.NewChunkQueue(queueCapacity),
		metrics: m,
	}
}

// Queue a chunk for sending. Never blocks.
func (r *ChunkRelay) Push(chunk []byte) {
	if r.queue.Push(chunk) {
		r.logger.Debug("relay queue full, dropped oldest chunk")
	}
}

// Chunks discarded because the queue was full.
func (r *ChunkRelay) DroppedChunks() uint64 {
	return r.queue.Dropped()
}

// Send chunks until ctx is done, reconnecting as needed. Always returns nil
// once ctx is done.
func (r *ChunkRelay) Run(ctx context.Context) error {
	backoff := initialBackoff
	for ctx.Err() == nil {
		conn, _, err := r.dialer.DialContext(ctx, r.url, r.header)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.metrics.RelayError()

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := max(backoff+jitter, backoff/2)
			r.logger.Warn("could not connect to relay", "url", r.url, "err", err, "retryIn", sleep)

			t := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff
		r.logger.Info("connected to relay", "url", r.url)
		if err := r.serve(ctx, conn); err != nil {
			r.metrics.RelayError()
			r.logger.Warn("relay connection closed", "err", err)
		}
	}
	r.logger.Debug("relay stopped")
	return nil
}

// Write queued chunks to conn until ctx is done or the connection fails.
func (r *ChunkRelay) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	lost := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(lost)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return nil

		case <-lost:
			return errRelayConnectionLost

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("could not ping relay: %w", err)
			}

		case <-r.queue.Signal():
			for {
				chunk, ok := r.queue.Pop()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					return fmt.Errorf("could not send chunk: %w", err)
				}
				r.metrics.ChunkRelayed()
			}
		}
	}
}
