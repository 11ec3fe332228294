package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/breaker"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/metrics"
	"github.com/steveyegge/beadsboard/internal/protocol"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default: 127.0.0.1:7420). Port 0 picks a free one.
	Addr string

	// Adapter serves every panel.
	Adapter adapter.Adapter

	// Watcher is shared by every panel's bridge. Optional.
	Watcher FileWatcher

	// ReadOnly and PageSize are passed to each bridge.
	ReadOnly bool
	PageSize int

	// Logger for server activity (default: stderr with [server] prefix).
	Logger *log.Logger

	// BridgeLogger for per-panel bridges (default: stderr with [bridge]
	// prefix).
	BridgeLogger *log.Logger

	// Metrics is served on /metrics and observes every bridge. May be nil.
	Metrics *metrics.Metrics
}

// Server accepts panels over websocket: each connection is one panel with
// its own Bridge.
type Server struct {
	cfg      ServerConfig
	logger   *log.Logger
	listener net.Listener
	server   *http.Server

	panelsMu sync.Mutex
	panels   map[*wsPanel]*Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7420"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		panels: make(map[*wsPanel]*Bridge),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Board server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disposes every panel and shuts the server down. The adapter is left
// open for the caller to close.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Stopping board server")
	s.cancel()

	s.panelsMu.Lock()
	panels := make(map[*wsPanel]*Bridge, len(s.panels))
	for p, b := range s.panels {
		panels[p] = b
		delete(s.panels, p)
	}
	s.panelsMu.Unlock()

	for p, b := range panels {
		b.Dispose()
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Board server stopped")
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// PanelCount returns the number of connected panels.
func (s *Server) PanelCount() int {
	s.panelsMu.Lock()
	defer s.panelsMu.Unlock()
	return len(s.panels)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	panel := &wsPanel{conn: conn}
	b, err := New(Config{
		Adapter:  s.cfg.Adapter,
		Panel:    panel,
		Watcher:  s.cfg.Watcher,
		ReadOnly: s.cfg.ReadOnly,
		PageSize: s.cfg.PageSize,
		Logger:   s.cfg.BridgeLogger,
		Metrics:  s.cfg.Metrics,
	})
	if err != nil {
		s.logger.Printf("Failed to open panel: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "panel setup failed")
		return
	}

	s.panelsMu.Lock()
	s.panels[panel] = b
	count := len(s.panels)
	s.panelsMu.Unlock()
	s.logger.Printf("Panel connected (total: %d)", count)

	s.readLoop(panel)
}

// readLoop feeds inbound frames to the panel's bridge until the connection
// drops, then disposes the bridge.
func (s *Server) readLoop(p *wsPanel) {
	defer s.removePanel(p)
	for {
		typ, data, err := p.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		p.deliver(data)
	}
}

func (s *Server) removePanel(p *wsPanel) {
	s.panelsMu.Lock()
	b, ok := s.panels[p]
	delete(s.panels, p)
	count := len(s.panels)
	s.panelsMu.Unlock()
	if !ok {
		return
	}
	b.Dispose()
	_ = p.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Panel disconnected (total: %d)", count)
}

// Health is the /health response.
type Health struct {
	Status   string         `json:"status"`
	Backend  string         `json:"backend"`
	Panels   int            `json:"panels"`
	ReadOnly bool           `json:"readOnly"`
	Breaker  *breaker.Stats `json:"breaker,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:   "ok",
		Backend:  adapter.Backend(s.cfg.Adapter),
		Panels:   s.PanelCount(),
		ReadOnly: s.cfg.ReadOnly,
	}
	if br, ok := s.cfg.Adapter.(interface{ Breaker() *breaker.Breaker }); ok {
		st := br.Breaker().Stats()
		h.Breaker = &st
		if st.State != breaker.Closed.String() {
			h.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

// wsPanel is a Panel backed by one websocket connection.
type wsPanel struct {
	conn *websocket.Conn

	mu      sync.Mutex
	handler func(msg []byte)
}

func (p *wsPanel) PostMessage(msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, msg)
}

func (p *wsPanel) OnMessage(fn func(msg []byte)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

func (p *wsPanel) deliver(msg []byte) {
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
