package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wudi/apigate/internal/config"
	"go.uber.org/zap"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	configPath string
	watch      bool
	watcher    *config.Watcher

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the HTTP server for an initialized gateway. When watch
// is set, configPath is watched and changes are reported; they take effect
// on the next restart.
func NewServer(gw *Gateway, configPath string, watch bool) (*Server, error) {
	sc := gw.rm.Server
	srv := &http.Server{
		Addr:         sc.Address,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}
	if err := gw.ConfigurePipeline(srv); err != nil {
		return nil, err
	}
	return &Server{
		gateway:    gw,
		httpServer: srv,
		configPath: configPath,
		watch:      watch && configPath != "",
	}, nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Addr returns the listening address once Start returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Start begins serving and, if enabled, watching the RouteMap file.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger := s.gateway.routeLogger.Logger()
	go func() {
		logger.Info("Starting gateway server", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server error", zap.Error(err))
		}
	}()

	if s.watch {
		if err := s.startWatcher(); err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) startWatcher() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	logger := s.gateway.routeLogger.Logger()
	w.OnChange(func(ev config.ChangeEvent) {
		switch {
		case ev.Err != nil:
			logger.Warn("route map change could not be loaded",
				zap.String("path", ev.Path),
				zap.Error(ev.Err),
			)
		case !ev.Validation.Valid:
			logger.Warn("route map change is invalid",
				zap.String("path", ev.Path),
				zap.Strings("errors", ev.Validation.Errors),
			)
		default:
			s.gateway.routeLogger.LogEvent("route_map_changed",
				zap.String("path", ev.Path),
				zap.Bool("restart_required", true),
			)
		}
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	sig := <-quit
	s.gateway.routeLogger.Logger().Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	return s.Shutdown(s.gateway.rm.Server.ShutdownTimeout)
}

// Shutdown stops accepting connections, waits for in-flight requests up to
// timeout and shuts the gateway down.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.gateway.routeLogger.Logger().Error("HTTP server shutdown error", zap.Error(err))
		firstErr = err
	}
	if err := s.gateway.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
