// Package server exposes a live transcription session to UI clients over
// websockets. Each connected client receives the session's snapshots and
// control phrases as JSON messages.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

const clientQueueDepth = 32

type client struct {
	queue chan transcriber.WhisperOutput
}

// SnapshotServer is an http.Handler that upgrades connections to websockets
// and fans transcription output out to them. Slow clients lose messages
// rather than stalling the session.
type SnapshotServer struct {
	logger transcriber.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(logger transcriber.Logger) *SnapshotServer {
	if logger == nil {
		logger = &transcriber.NoOpLogger{}
	}
	return &SnapshotServer{
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *SnapshotServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &client{queue: make(chan transcriber.WhisperOutput, clientQueueDepth)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.queue:
			if err := wsjson.Write(ctx, conn, out); err != nil {
				s.logger.Debug("client write failed, dropping connection", "error", err)
				return
			}
		}
	}
}

// Broadcast queues the output on every connected client, dropping it for
// clients whose queue is full.
func (s *SnapshotServer) Broadcast(out transcriber.WhisperOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.queue <- out:
		default:
			s.logger.Debug("client queue full, dropping output")
		}
	}
}

// Pump broadcasts everything arriving on the transcriber's output channel
// until the channel closes or the context is cancelled. Each output is also
// handed to tee when it is non-nil, so the caller can render locally while
// serving remote clients.
func (s *SnapshotServer) Pump(ctx context.Context, outputs <-chan transcriber.WhisperOutput, tee func(transcriber.WhisperOutput)) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			s.Broadcast(out)
			if tee != nil {
				tee(out)
			}
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *SnapshotServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
