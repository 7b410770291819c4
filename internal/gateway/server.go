package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradedeck/config"
	"tradedeck/internal/accounting"
	"tradedeck/logger"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Server exposes the accounting boundary to browser clients over a websocket:
// outbound engine events are broadcast to every client, inbound client
// envelopes are decoded and forwarded to the engine.
type Server struct {
	cfg        config.GatewayConfig
	acct       *accounting.Channels
	hub        *hub
	log        *logger.Log
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer constructs the gateway when it is enabled; otherwise it returns
// nil and every method is a no-op.
func NewServer(cfg config.GatewayConfig, acct *accounting.Channels, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:  cfg,
		acct: acct,
		hub:  newHub(cfg.ClientBuffer),
		log:  log,
		upgrader: websocket.Upgrader{
			// The dashboard is served from arbitrary origins in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Address reports the network address the gateway listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run pumps engine events to clients and serves the websocket endpoint until
// the context is cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	go s.pump(ctx)

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("gateway").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("gateway listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// pump drains the engine's outbound channel and broadcasts each event to the
// connected clients.
func (s *Server) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.acct.Out:
			if !ok {
				return
			}
			env, err := accounting.EncodeOutbound(msg)
			if err != nil {
				s.log.WithComponent("gateway").WithError(err).Error("failed to encode engine event")
				continue
			}
			s.hub.broadcast(env)
		}
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": s.hub.clientCount(),
		})
	})

	router.GET("/ws", s.handleWS)
	return router
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).Warn("websocket upgrade failed")
		return
	}

	id, events := s.hub.subscribe()
	log := s.log.WithComponent("gateway").WithFields(logger.Fields{"client_id": id})
	log.Info("client connected")

	defer func() {
		s.hub.unsubscribe(id)
		_ = ws.Close()
		log.Info("client disconnected")
	}()

	go s.writeLoop(ws, events)
	s.readLoop(c.Request.Context(), ws, log)
}

// writeLoop pushes broadcast envelopes and keepalive pings to one client. It
// exits when the hub closes the client's channel.
func (s *Server) writeLoop(ws *websocket.Conn, events <-chan accounting.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				deadline := time.Now().Add(writeWait)
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound client envelopes and forwards them to the engine.
// Malformed messages are logged and skipped; the connection stays up.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, log *logger.Entry) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env accounting.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}

		msg, err := accounting.DecodeInbound(env)
		if err != nil {
			log.WithError(err).Warn("ignoring malformed client message")
			continue
		}
		if !s.acct.SendIn(ctx, msg) {
			log.Warn("engine inbound channel full, dropping client message")
		}
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
