package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ghostgpt-server/internal/api"
	"ghostgpt-server/internal/browser"
	"ghostgpt-server/internal/config"
	"ghostgpt-server/internal/driver"
	mcpserver "ghostgpt-server/internal/mcp"
	"ghostgpt-server/internal/media"
	"ghostgpt-server/internal/session"
	"ghostgpt-server/internal/store"

	"github.com/charmbracelet/log"
)

func main() {
	configPath := flag.String("config", "", "Path to the ghostgpt config file")
	addr := flag.String("addr", "", "HTTP API listen address (overrides config)")
	visible := flag.Bool("visible", false, "Run the browser with a visible window (for manual login)")
	mcpMode := flag.Bool("mcp", false, "Serve MCP tools instead of defaulting to HTTP only")
	ssePort := flag.Int("sse-port", 0, "MCP SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *visible {
		cfg.Browser.Visible = true
		headless := false
		cfg.Browser.Headless = &headless
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}
	if *mcpMode {
		cfg.MCP.Enable = true
	}

	logger := newLogger(cfg)
	if wsDir != "" {
		logger.Info("using workspace", "dir", wsDir)
	}

	browserMgr := browser.NewManager(cfg.Browser, logger.With("component", "browser"))
	if err := browserMgr.Start(ctx); err != nil {
		logger.Fatal("failed to start browser", "error", err)
	}
	defer browserMgr.Shutdown()

	nicknames := store.New(cfg.Store.Path, logger.With("component", "store"))
	sink := media.NewSink(cfg.Media.Dir, logger.With("component", "media"))

	newDriver := func() *driver.Driver {
		return driver.New(driver.Options{
			NewProbe:  browserMgr.NewProbe,
			Selectors: cfg.Selectors,
			Chat:      cfg.Chat,
			Visible:   cfg.Browser.Visible,
			Sink:      sink,
			Logger:    logger.With("component", "driver"),
		})
	}

	sessions := session.NewManager(ctx, newDriver, cfg.Chat.GetIdleTimeout(),
		logger.With("component", "session"))
	defer sessions.Shutdown()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.API.IsEnabled() {
		httpSrv := api.NewServer(sessions, nicknames, logger.With("component", "api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpSrv.ListenAndServe(ctx, cfg.API.GetAddr()); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.MCP.Enable {
		mcpSrv := mcpserver.NewServer(cfg, sessions, nicknames, logger.With("component", "mcp"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if cfg.MCP.SSEPort > 0 {
				logger.Info("starting mcp sse server", "port", cfg.MCP.SSEPort)
				err = mcpSrv.StartSSE(ctx, cfg.MCP.SSEPort)
			} else {
				logger.Info("starting mcp stdio server")
				err = mcpSrv.Start(ctx)
			}
			if err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server exited with error", "error", err)
			stop()
		}
	}
}

// newLogger builds the process logger. Stdio MCP mode must keep stdout and
// stderr clean for the protocol, so logs go to the configured file or are
// discarded.
func newLogger(cfg config.Config) *log.Logger {
	out := io.Writer(os.Stderr)
	if cfg.MCP.Enable && cfg.MCP.SSEPort == 0 {
		if cfg.Server.LogFile != "" {
			if f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				out = f
			} else {
				out = io.Discard
			}
		} else {
			out = io.Discard
		}
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Prefix:          "ghostgpt",
	})
	if lvl, err := log.ParseLevel(cfg.Server.LogLevel); err == nil && cfg.Server.LogLevel != "" {
		logger.SetLevel(lvl)
	}
	return logger
}
