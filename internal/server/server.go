// Package server wires the supervisor together: config, providers, the
// session manager, the push adapter, and the Tailscale-aware HTTP gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebastianm/agentmux/internal/config"
	"github.com/sebastianm/agentmux/internal/gateway"
	"github.com/sebastianm/agentmux/internal/manager"
	"github.com/sebastianm/agentmux/internal/portutil"
	"github.com/sebastianm/agentmux/internal/provider/claude"
	"github.com/sebastianm/agentmux/internal/provider/codex"
	"github.com/sebastianm/agentmux/internal/push"
	"github.com/sebastianm/agentmux/internal/sandbox"
	"github.com/sebastianm/agentmux/internal/session"
	"github.com/sebastianm/agentmux/internal/store"
	"github.com/sebastianm/agentmux/internal/tsnetutil"
)

// Opts holds optional CLI overrides for the supervisor.
type Opts struct {
	ListenAddr string
}

type Server struct {
	log  *slog.Logger
	cfg  *config.Config
	ln   *tsnetutil.Listener
	opts Opts
}

func New(opts Opts) *Server {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "agentmux")
	return &Server{
		log:  log,
		opts: opts,
	}
}

func (s *Server) Start() error {
	cfg, err := config.Parse()
	if err != nil {
		s.log.Error("config error", "error", err)
		return fmt.Errorf("config error: %w", err)
	}
	s.cfg = cfg

	s.log.Info("Starting agentmux", "tailscale_enabled", cfg.Tailscale.Enabled, "max_sessions", cfg.MaxSessions)

	st := store.New(cfg.StatePath)
	mgr := manager.New(s.log, manager.Options{
		MaxSessions: cfg.MaxSessions,
		Sandbox:     sandbox.New(cfg.AllowedRoots),
		Store:       st,
	})
	mgr.RegisterProvider(claude.New(s.log, cfg.Claude))
	mgr.RegisterProvider(codex.New(s.log, cfg.Codex))

	if err := mgr.ReconcileOnStartup(); err != nil {
		s.log.Warn("startup reconciliation", "error", err)
	}

	disposePush := s.startPush(mgr)
	defer disposePush()

	// --- Gateway listener (Tailscale-aware) ---

	listenAddr := s.opts.ListenAddr
	if listenAddr == "" {
		port := cfg.Port
		if port == 0 {
			port, err = portutil.FindFreePort()
			if err != nil {
				return fmt.Errorf("find free port: %w", err)
			}
		}
		listenAddr = fmt.Sprintf(":%d", port)
	}

	ln, err := tsnetutil.ListenAddr(listenAddr, cfg.Tailscale)
	if err != nil {
		s.log.Error("listen failed", "addr", listenAddr, "error", err)
		return err
	}
	s.ln = ln
	defer s.ln.Close()

	h := gateway.NewHandler(s.log, mgr, nil)
	httpSrv := &http.Server{
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", "error", err)
			return err
		}
		return nil
	case sig := <-sigCh:
		s.log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	return nil
}

// startPush binds the chat push adapter to the manager's streams. Returns a
// dispose func; a no-op when push is not configured.
func (s *Server) startPush(mgr *manager.Manager) func() {
	pc := s.cfg.Push
	if pc.BaseURL == "" {
		s.log.Info("push disabled: no chat baseURL configured")
		return func() {}
	}

	client := push.NewChatClient(s.log, pc.BaseURL, pc.Token)
	adapter := push.NewAdapter(s.log, client, push.TextFormatter{}, push.Options{
		Debounce:           time.Duration(pc.DebounceMs) * time.Millisecond,
		MaxMessageLen:      pc.MaxMessageLen,
		DefaultDestination: pc.DefaultDestination,
	})

	unsubMsg := mgr.SubscribeMessages(func(sessionID string, msg session.Message) {
		adapter.HandleMessage(sessionID, msg)
	})
	unsubEvt := mgr.SubscribeEvents(func(ev session.Event) {
		adapter.HandleEvents([]session.Event{ev})
	})
	unsubEnd := mgr.SubscribeSessionEnd(func(sessionID string) {
		adapter.UnbindSession(sessionID)
	})

	// Every spawned session gets the default destination until a caller
	// rebinds it.
	for _, rec := range mgr.List(manager.ListFilter{}) {
		adapter.BindSession(rec.ID, "")
	}
	bindNew := mgr.SubscribeEvents(func(ev session.Event) {
		if ev.Type == session.EventReady {
			adapter.BindSession(ev.SessionID, "")
		}
	})

	return func() {
		unsubMsg()
		unsubEvt()
		unsubEnd()
		bindNew()
		adapter.Dispose()
	}
}
