package relay

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/resonance/transcribe-relay/internal/config"
	"github.com/resonance/transcribe-relay/internal/observability"
	"github.com/resonance/transcribe-relay/internal/resilience"
)

// ErrorSentinel is sent in place of the text of a chunk that failed.
const ErrorSentinel = "[Error]"

// Transcriber turns one audio chunk into text fragments. A failure is yielded
// once as the final element.
type Transcriber interface {
	Stream(ctx context.Context, audio []byte) iter.Seq2[string, error]
}

var upgrader = websocket.Upgrader{
	// Browsers connect from whatever origin serves the capture page
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// frame is one outbound text message.
type frame struct {
	text    string
	isError bool
}

// Session relays one client connection: binary frames in, text frames out.
type Session struct {
	id   string
	conn *websocket.Conn

	transcriber   Transcriber
	limiter       *resilience.Limiter
	minChunkBytes int
	chunkTimeout  time.Duration
	writeTimeout  time.Duration
	maxFrameBytes int64

	// out is the merge point of every chunk's fragment stream.
	out    chan frame
	ctx    context.Context
	cancel context.CancelFunc
	chunks sync.WaitGroup

	closeOnce sync.Once
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics
}

// NewSession creates a session for an upgraded connection. The session ends when
// ctx is canceled, the client disconnects, or a write fails.
func NewSession(ctx context.Context, conn *websocket.Conn, cfg *config.Config, transcriber Transcriber) *Session {
	id := observability.NewSessionID()
	ctx, cancel := context.WithCancel(ctx)

	return &Session{
		id:            id,
		conn:          conn,
		transcriber:   transcriber,
		limiter:       resilience.NewLimiter(cfg.MaxInFlightChunks),
		minChunkBytes: cfg.MinChunkBytes,
		chunkTimeout:  cfg.BackendTimeout(),
		writeTimeout:  cfg.WriteTimeout(),
		maxFrameBytes: int64(cfg.MaxFrameBytes),
		out:           make(chan frame, 16),
		ctx:           ctx,
		cancel:        cancel,
		logger:        observability.WithSession(id, conn.RemoteAddr().String()),
		metrics:       observability.NewSessionMetrics(),
	}
}

// HandleTranscribeWS is the entry point for transcription websocket connections
func HandleTranscribeWS(cfg *config.Config, transcriber Transcriber, registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade writes its own error response on failure
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		session := NewSession(r.Context(), conn, cfg, transcriber)
		if registry != nil {
			registry.add(session)
			defer registry.remove(session)
		}
		session.Run()
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until it ends. Chunk failures never end it.
func (s *Session) Run() {
	s.logger.Info().Msg("Client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()

	// Cancels outstanding backend calls; nothing is written after this point.
	s.cancel()
	s.chunks.Wait()
	<-writerDone
	s.conn.Close()

	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Client disconnected")
}

// Close ends the session from outside, telling the client the server is going away.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// readLoop consumes inbound frames and dispatches binary ones.
func (s *Session) readLoop() {
	if s.maxFrameBytes > 0 {
		s.conn.SetReadLimit(s.maxFrameBytes)
	}

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		s.metrics.RecordChunkReceived(len(payload))
		if len(payload) < s.minChunkBytes {
			s.metrics.RecordChunkDropped()
			continue
		}

		// Blocks intake while the session is at its in-flight cap
		if err := s.limiter.Acquire(s.ctx); err != nil {
			return
		}
		s.chunks.Add(1)
		go s.processChunk(payload)
	}
}

// processChunk forwards one chunk's fragments to the writer. Any failure,
// including a timeout, becomes a single ErrorSentinel frame.
func (s *Session) processChunk(chunk []byte) {
	defer s.chunks.Done()
	defer s.limiter.Release()
	defer func() {
		if r := recover(); r != nil {
			s.failChunk(fmt.Errorf("panic: %v", r), len(chunk))
		}
	}()

	s.metrics.RecordChunkDispatched()

	ctx := s.ctx
	if s.chunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.chunkTimeout)
		defer cancel()
	}

	for text, err := range s.transcriber.Stream(ctx, chunk) {
		if err != nil {
			s.failChunk(err, len(chunk))
			return
		}
		if !s.emit(frame{text: text}) {
			return
		}
	}
}

func (s *Session) failChunk(err error, size int) {
	if s.ctx.Err() != nil {
		// Session is gone; there is nobody to tell
		return
	}
	s.metrics.RecordChunkFailed()
	s.logger.Warn().Err(err).Int("bytes", size).Msg("Chunk transcription failed")
	s.emit(frame{text: ErrorSentinel, isError: true})
}

// emit hands a frame to the writer. It returns false once the session is over.
func (s *Session) emit(f frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop is the only goroutine writing data frames to the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.out:
			if s.ctx.Err() != nil {
				return
			}
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(f.text)); err != nil {
				s.logger.Warn().Err(err).Msg("WebSocket write error")
				s.cancel()
				// Unblocks ReadMessage in readLoop
				s.conn.Close()
				return
			}
			s.metrics.RecordFragmentSent(f.isError)
		}
	}
}
