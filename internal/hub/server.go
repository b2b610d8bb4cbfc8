package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/registry"
	"github.com/danmuck/hubctl/internal/store"
	"github.com/danmuck/hubctl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 5 * time.Second
	redisPingTimeout = 2 * time.Second
)

// Server wires the registry, the connection service, the sweeper, and the
// admin API from one config.
type Server struct {
	cfg     config.Config
	started time.Time

	bus   *registry.Bus
	reg   *registry.Registry
	svc   *Service
	store *store.Store
	redis redis.UniversalClient
	admin *gin.Engine

	mu        sync.Mutex
	listeners []*transport.Listener
	adminLn   net.Listener
}

// New builds a server. sink receives terminal pass-through text and may be
// nil.
func New(cfg config.Config, sink TextSink) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, started: time.Now()}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("hub.New redis unavailable, mirror will retry per event")
		}
		cancel()
		s.redis = client
	}
	s.bus = registry.NewBus(registry.BusOptions{Client: s.redis, Channel: cfg.RedisChannel})

	var history registry.HistoryStore
	if path := strings.TrimSpace(cfg.HistoryDB); path != "" {
		st, err := store.Open(path)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.store = st
		history = st
	}

	s.reg = registry.New(registry.Options{
		Bus:                s.bus,
		HistoryLimit:       cfg.HistoryLimit,
		Store:              history,
		ValidateProperties: cfg.ValidateProperties,
	})
	s.svc = NewService(s.reg, Config{
		Mode:               cfg.Mode,
		MaxBuffer:          cfg.MaxBufferBytes,
		IdleFlush:          cfg.IdleFlush,
		ProtocolQuietAfter: cfg.ProtocolQuietAfter,
		Sink:               sink,
	})

	opts := AdminOptions{
		Token:       cfg.AdminToken,
		CORSOrigins: cfg.AdminCORSOrigins,
		Started:     s.started,
	}
	if s.store != nil {
		opts.History = s.store
	}
	s.admin = NewAdminRouter(s.svc, opts)
	return s, nil
}

func (s *Server) Service() *Service { return s.svc }

func (s *Server) Registry() *registry.Registry { return s.reg }

// Router returns the admin API handler.
func (s *Server) Router() http.Handler { return s.admin }

func (s *Server) transportOptions() transport.Options {
	return transport.Options{
		Session: s.cfg.Session,
		Limits:  frame.Limits{MaxFrameBytes: s.cfg.MaxFrameBytes},
	}
}

// Listen binds every configured address and the admin listener. It returns
// the bound protocol addresses. Run calls it when it has not been called.
func (s *Server) Listen() ([]transport.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return s.boundLocked(), nil
	}

	var addrs []transport.Address
	if raw := strings.TrimSpace(s.cfg.UnixSocket); raw != "" {
		addrs = append(addrs, transport.Address{Kind: transport.KindUnix, Addr: raw})
	}
	if raw := strings.TrimSpace(s.cfg.TCPAddr); raw != "" {
		addrs = append(addrs, transport.Address{Kind: transport.KindTCP, Addr: raw})
	}

	opts := s.transportOptions()
	for _, addr := range addrs {
		ln, err := transport.Listen(addr, opts)
		if err != nil {
			s.closeListenersLocked()
			return nil, fmt.Errorf("hub: listen %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		log.Info().Str("addr", ln.Addr().String()).Str("mode", s.cfg.Mode).Msg("hub listening")
	}

	if raw := strings.TrimSpace(s.cfg.AdminAddr); raw != "" {
		ln, err := net.Listen("tcp", raw)
		if err != nil {
			s.closeListenersLocked()
			return nil, fmt.Errorf("hub: admin listen %s: %w", raw, err)
		}
		s.adminLn = ln
		log.Info().Str("addr", ln.Addr().String()).Msg("hub admin listening")
	}
	return s.boundLocked(), nil
}

// AdminAddr returns the bound admin address, or "" before Listen or when the
// admin API is disabled.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

func (s *Server) boundLocked() []transport.Address {
	out := make([]transport.Address, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Run serves until ctx is done. Connections still open at shutdown are
// closed and their sessions marked lost.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listeners := append([]*transport.Listener(nil), s.listeners...)
	adminLn := s.adminLn
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			return s.svc.Serve(gctx, ln)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.mu.Lock()
		s.closeListenersLocked()
		s.mu.Unlock()
		return s.svc.Close()
	})
	g.Go(func() error {
		return s.sweep(gctx)
	})

	if adminLn != nil {
		// Requests inherit gctx so open event streams end on shutdown.
		srv := &http.Server{
			Handler:           s.admin,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			if err := srv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("hub: admin serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("hub.Server.Run admin shutdown")
				return srv.Close()
			}
			return nil
		})
	}

	err := g.Wait()
	log.Info().Err(err).Msg("hub stopped")
	return err
}

func (s *Server) sweep(ctx context.Context) error {
	if s.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reg.SweepExpired(ctx, s.cfg.SessionMaxAge)
			observability.SetActiveSessions(s.reg.ActiveCount())
			s.pruneHistory(ctx)
		}
	}
}

func (s *Server) pruneHistory(ctx context.Context) {
	if s.store == nil || s.cfg.HistoryRetention <= 0 {
		return
	}
	removed, err := s.store.Prune(ctx, time.Now().Add(-s.cfg.HistoryRetention))
	if err != nil {
		log.Warn().Err(err).Msg("hub.Server.pruneHistory")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("hub.Server.pruneHistory")
	}
}

// Close releases listeners, the event bus, the history database, and the
// Redis client. It is safe to call after Run returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closeListenersLocked()
	if s.adminLn != nil {
		_ = s.adminLn.Close()
		s.adminLn = nil
	}
	s.mu.Unlock()
	var errs []error
	if err := s.svc.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.closeBackends())
	return errors.Join(errs...)
}

func (s *Server) closeBackends() error {
	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

func (s *Server) closeListenersLocked() {
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Str("addr", ln.Addr().String()).Msg("hub listener close")
		}
	}
	s.listeners = nil
}
