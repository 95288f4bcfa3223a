package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/interceptor"
)

const reloadHistorySize = 20

// NewLoader returns a config loader that rejects unknown interceptor names
// and stages while parsing.
func NewLoader(opts ...config.LoaderOption) *config.Loader {
	check := interceptor.NewRegistry(nil).Check
	return config.NewLoader(append([]config.LoaderOption{config.WithInterceptorCheck(check)}, opts...)...)
}

// Server wraps the gateway with its listeners, the admin API and reloads.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	configPath  string
	loader      *config.Loader
	watch       bool
	gwOpts      []Option
	logger      *zap.Logger
	startTime   time.Time

	ln      net.Listener
	adminLn net.Listener

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWatch enables reloading when the config file changes.
func WithWatch(enabled bool) ServerOption {
	return func(s *Server) { s.watch = enabled }
}

// WithGatewayOptions passes options to the gateway the server builds.
func WithGatewayOptions(opts ...Option) ServerOption {
	return func(s *Server) { s.gwOpts = append(s.gwOpts, opts...) }
}

// WithLoader replaces the loader used for reloads.
func WithLoader(l *config.Loader) ServerOption {
	return func(s *Server) { s.loader = l }
}

// NewServer creates a gateway server. All configuration is resolved here,
// before any socket is bound. configPath may be empty, which disables reloads.
func NewServer(cfg *config.Config, configPath string, opts ...ServerOption) (*Server, error) {
	s := &Server{
		configPath: configPath,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	gw, err := New(cfg, s.gwOpts...)
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	if s.loader == nil {
		// Reloads must accept the same interceptors the gateway was built with.
		s.loader = config.NewLoader(config.WithInterceptorCheck(gw.CheckInterceptor))
	}
	s.logger = gw.logger

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
		Handler:      gw,
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		IdleTimeout:  cfg.Listen.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Admin.Port)),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the dispatcher behind the server.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Listen binds the public and admin sockets. Run calls it when needed.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	if s.adminServer != nil {
		adminLn, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminServer.Addr, err)
		}
		s.adminLn = adminLn
	}
	s.ln = ln
	return nil
}

func (s *Server) closeListeners() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.adminLn != nil {
		s.adminLn.Close()
	}
}

// Addr returns the bound public address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// AdminAddr returns the bound admin address, or nil.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Run serves until ctx is cancelled, then shuts down gracefully. SIGHUP and,
// when enabled, config file changes trigger a reload.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	var watcher *config.Watcher
	if s.watch && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.loader)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) { s.apply(s.gateway.Reload(cfg)) })
		watcher = w
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening", zap.String("addr", s.ln.Addr().String()))
		if err := s.httpServer.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			s.logger.Info("admin API listening", zap.String("addr", s.adminLn.Addr().String()))
			if err := s.adminServer.Serve(s.adminLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				s.ReloadConfig()
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down gracefully")
		return s.Shutdown(30 * time.Second)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			s.logger.Error("admin server shutdown error", zap.Error(err))
		}
	}
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error("gateway shutdown error", zap.Error(err))
	}
	if cerr := s.gateway.Close(); cerr != nil {
		s.logger.Error("gateway close error", zap.Error(cerr))
	}
	s.logger.Info("server shutdown complete")
	return err
}

// ReloadConfig loads the config file again and swaps it in.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.apply(ReloadResult{Timestamp: time.Now(), Error: "no config path configured"})
	}
	cfg, err := s.loader.Load(s.configPath)
	if err != nil {
		s.gateway.metrics.RecordReload(false)
		s.logger.Error("config reload rejected, keeping current configuration", zap.Error(err))
		return s.apply(ReloadResult{Timestamp: time.Now(), Error: err.Error()})
	}
	return s.apply(s.gateway.Reload(cfg))
}

func (s *Server) apply(result ReloadResult) ReloadResult {
	s.mu.Lock()
	s.reloadHistory = append(s.reloadHistory, result)
	if n := len(s.reloadHistory); n > reloadHistorySize {
		s.reloadHistory = s.reloadHistory[n-reloadHistorySize:]
	}
	s.mu.Unlock()
	return result
}
