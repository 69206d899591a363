package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whookdev/busbridge/internal/auth"
	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/config"
	"github.com/whookdev/busbridge/internal/dispatch"
	"github.com/whookdev/busbridge/internal/metrics"
	"github.com/whookdev/busbridge/internal/models"
	"github.com/whookdev/busbridge/internal/tunnel"
)

// Dispatcher puts validated requests on the bus.
type Dispatcher interface {
	Handle(ctx context.Context, req *models.BridgeRequest, instruction models.Instruction) error
}

type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	wsServer   *http.Server
	upgrader   websocket.Upgrader

	dispatcher Dispatcher
	bus        bus.Bus
	whitelist  *auth.Whitelist
	metrics    *metrics.Metrics

	tunnels    map[string]*tunnel.Connection
	tunnelsMux sync.RWMutex
	tunnelCtx  context.Context
	stopTunnel context.CancelFunc

	logger       *slog.Logger
	tunnelLogger *slog.Logger
}

func New(cfg *config.Config, d Dispatcher, b bus.Bus, whitelist *auth.Whitelist, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if d == nil || b == nil || m == nil {
		return nil, fmt.Errorf("dispatcher, bus and metrics are required")
	}
	tunnelLogger := logger
	logger = logger.With("component", "server")

	tunnelCtx, stopTunnel := context.WithCancel(context.Background())

	s := &Server{
		cfg:          cfg,
		dispatcher:   d,
		bus:          b,
		whitelist:    whitelist,
		metrics:      m,
		logger:       logger,
		tunnelLogger: tunnelLogger,
		tunnels:      make(map[string]*tunnel.Connection),
		tunnelCtx:    tunnelCtx,
		stopTunnel:   stopTunnel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort),
		Handler:      s.wsRoutes(),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+s.cfg.BasePath+"eventbus/{instruction}", s.handleEventBus)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	return withRequestID(mux)
}

func (s *Server) wsRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tunnel", s.handleTunnelConnection)

	return mux
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(dispatch.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) handleEventBus(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With("request_id", dispatch.RequestID(r.Context()))

	label := "unknown"
	status, err := s.acceptEventBus(w, r, &label)
	s.metrics.Requests.WithLabelValues(label, strconv.Itoa(status)).Inc()

	if err != nil {
		logger.Debug("request rejected", "status", status, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(status)
}

// acceptEventBus decodes and dispatches one request, returning the status
// to answer with. label receives the instruction once it is known.
func (s *Server) acceptEventBus(w http.ResponseWriter, r *http.Request, label *string) (int, error) {
	instruction, err := models.ParseInstruction(r.PathValue("instruction"))
	if err != nil {
		return http.StatusBadRequest, err
	}
	*label = string(instruction)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mediaType != auth.MediaTypeJSON && mediaType != auth.MediaTypeXML) {
		return http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", r.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("reading request body: %w", err)
	}

	var req models.BridgeRequest
	if err := models.Unmarshal(body, mediaType, &req); err != nil {
		return http.StatusBadRequest, fmt.Errorf("decoding request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return http.StatusBadRequest, err
	}

	err = s.dispatcher.Handle(r.Context(), &req, instruction)
	return dispatch.StatusCode(err), err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.tunnelsMux.RLock()
	tunnels := len(s.tunnels)
	s.tunnelsMux.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"server_id": s.cfg.ServerID,
		"driver":    s.cfg.BusDriver,
		"tunnels":   tunnels,
	})
}

func (s *Server) handleTunnelConnection(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, "Missing address", http.StatusBadRequest)
		return
	}
	if !s.whitelist.IsAuthorized(address) {
		http.Error(w, "Address not whitelisted", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	tunnelConn := tunnel.NewConnection(address, conn, s.tunnelLogger)

	reg, err := s.bus.Consume(address, tunnelConn.Deliver)
	if err != nil {
		s.logger.Error("failed to register tunnel consumer", "error", err, "address", address)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "cannot consume address"))
		return
	}

	s.tunnelsMux.Lock()
	s.tunnels[tunnelConn.ID()] = tunnelConn
	s.tunnelsMux.Unlock()

	s.logger.Info("new tunnel connection established", "tunnel_id", tunnelConn.ID(), "address", address)

	defer func() {
		if err := reg.Unregister(); err != nil {
			s.logger.Warn("failed to unregister tunnel consumer", "error", err)
		}
		s.tunnelsMux.Lock()
		delete(s.tunnels, tunnelConn.ID())
		s.tunnelsMux.Unlock()
	}()

	if err := tunnelConn.Handle(s.tunnelCtx); err != nil {
		s.logger.Error("tunnel connection error",
			"error", err,
			"address", address,
		)
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		s.logger.Info("starting WebSocket server", "address", s.wsServer.Addr)
		if err := s.wsServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.stopTunnel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %w", err)
	}

	if err := s.wsServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down WebSocket server: %w", err)
	}

	return nil
}
