// Package transport binds a TCP listener, performs the WebSocket
// handshake per accepted peer, and funnels decoded frames into the
// broker's event queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/odin-gateway/odin-ws/internal/broker"
	"github.com/odin-gateway/odin-ws/internal/config"
	"github.com/odin-gateway/odin-ws/internal/frame"
	"github.com/odin-gateway/odin-ws/internal/metrics"
	"github.com/odin-gateway/odin-ws/internal/session"
)

// Server binds the WebSocket listener (C7, the accept loop) and spawns a
// connection handler (C6) per accepted peer.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	broker  *broker.Broker
	metrics *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server bound to b's event queue.
func NewServer(cfg config.Config, logger *zap.Logger, b *broker.Broker, metricsRegistry *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, broker: b, metrics: metricsRegistry}
}

// Start binds the listener and spawns the accept loop as a background
// goroutine. The broker itself is started separately by the caller (see
// cmd/odin-ws), since it outlives any one transport Start/Stop cycle in
// principle, even though today there is exactly one of each per process.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener and waits for all in-flight connection
// handlers to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if s.cfg.Server.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Server.HandshakeTimeout))
	}

	if _, err := ws.Upgrade(conn); err != nil {
		s.logger.Debug("handshake failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	addr := conn.RemoteAddr().String()
	s.logger.Info("websocket connection established", zap.String("addr", addr))

	sendQueueSize := s.cfg.WebSocket.SendChannelSize
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	sess := session.New(addr, sendQueueSize)

	s.broker.Events() <- broker.NewClientEvent(addr, sess)
	// Registered immediately after announcing the new client, so every
	// exit path from here on -- read error, context cancellation, or a
	// panic recovered higher up -- still posts exactly one disconnect.
	defer func() {
		s.broker.Events() <- broker.DisconnectEvent(addr)
		s.logger.Info("disconnected", zap.String("addr", addr))
	}()

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, sess, conn)
	}()

	s.readLoop(connCtx, addr, conn)
	cancel()
	<-done
}

func (s *Server) readLoop(ctx context.Context, addr string, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message data error", zap.Error(err))
				return
			}
			s.handleText(addr, payload)
		default:
			// Non-text message (binary, etc): NotText, logged and
			// dropped without disconnecting the peer.
			if s.metrics != nil {
				s.metrics.FramesDropped.WithLabelValues("not_text").Inc()
			}
			s.logger.Info("dropped non-text message", zap.String("addr", addr), zap.Error(frame.ErrNotText))
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) handleText(addr string, payload []byte) {
	f, err := frame.Decode(string(payload))
	if err != nil {
		if s.metrics != nil {
			s.metrics.FramesDropped.WithLabelValues("decode_failed").Inc()
		}
		s.logger.Info("dropped undecodable frame", zap.String("addr", addr), zap.Error(err))
		return
	}

	if !frame.IsClientKind(f.Type) {
		// ok/err/data (or an unrecognized type) arriving from a client
		// is ignored, not treated as cause for disconnecting the peer.
		if s.metrics != nil {
			s.metrics.FramesDropped.WithLabelValues("server_originated").Inc()
		}
		s.logger.Info("ignored server-originated frame from client", zap.String("addr", addr), zap.String("type", string(f.Type)), zap.Error(frame.ErrServerOriginated))
		return
	}

	if s.metrics != nil {
		s.metrics.FramesReceived.Inc()
	}
	s.broker.Events() <- broker.ClientFrameEvent(addr, f)
}

func (s *Server) writeLoop(ctx context.Context, sess *session.Session, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sess.Outbound():
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}
