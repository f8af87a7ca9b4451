package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

// ErrBind wraps listener setup failures so the entrypoint can distinguish
// "port unavailable" from runtime errors.
var ErrBind = errors.New("failed to bind listen address")

// ServerConfig for the signaling endpoint.
type ServerConfig struct {
	// Listen address, e.g. ":3000".
	Addr string
	// Directory with the admin console assets; empty disables it.
	StaticDir string
}

// Server exposes the hub over websocket plus the static admin console.
type Server struct {
	logger *logrus.Entry
	hub    *Hub
	cfg    ServerConfig

	upgrader websocket.Upgrader
}

func NewServer(h *Hub, cfg ServerConfig) *Server {
	return &Server{
		logger: logrus.WithField("component", "server"),
		hub:    h,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants connect from wall hardware and operator consoles
			// on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until the context ends. Returns ErrBind-wrapped errors when the
// address cannot be bound.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("listening")
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	// Transport identity is ephemeral: every socket gets a fresh one,
	// distinct from the stable clientId a viewer may bind later.
	id := registry.TransportID(uuid.NewString())
	conduit := newWSConduit(id, conn)

	s.hub.Attach(conduit)
	go conduit.writePump()
	s.readPump(conduit, conn)
}

// readPump decodes inbound frames until the connection drops, then detaches
// the participant.
func (s *Server) readPump(conduit *wsConduit, conn *websocket.Conn) {
	defer s.hub.Detach(conduit.TransportID())
	defer conduit.Kick("connection closed")

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped, not fatal to the connection.
			s.logger.WithError(err).WithField("transport_id", conduit.TransportID()).
				Warn("dropping malformed frame")
			continue
		}
		s.hub.Deliver(conduit.TransportID(), msg)
	}
}
