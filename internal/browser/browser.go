package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ghostgpt-server/internal/config"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Manager owns the single Chrome instance all conversations share.
// Pages are handed out as Probes; the browser itself is launched once and
// health-checked on reuse.
type Manager struct {
	cfg config.BrowserConfig
	log *log.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

func NewManager(cfg config.BrowserConfig, logger *log.Logger) *Manager {
	return &Manager{cfg: cfg, log: logger}
}

// cleanupStaleLocks removes Chrome lock files left behind by crashed runs.
// Chrome refuses to start on a profile that still has Singleton* files.
func (m *Manager) cleanupStaleLocks(profileDir string) {
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		lockPath := filepath.Join(profileDir, name)
		if _, err := os.Lstat(lockPath); err == nil {
			if err := os.Remove(lockPath); err != nil {
				m.log.Warn("failed to remove stale lock file", "file", lockPath, "error", err)
			} else {
				m.log.Info("removed stale lock file", "file", lockPath)
			}
		}
	}
}

// Start connects to an existing Chrome or launches a new one with the
// persistent profile. Safe to call again: a healthy browser is reused, a
// dead one is replaced.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		profileDir := config.ExpandHome(m.cfg.ProfileDir)
		if profileDir != "" {
			if err := os.MkdirAll(profileDir, 0o755); err != nil {
				return fmt.Errorf("create profile dir: %w", err)
			}
			m.cleanupStaleLocks(profileDir)
		}

		launch := launcher.New().
			Headless(m.cfg.IsHeadless()).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.Bin != "" {
			launch = launch.Bin(m.cfg.Bin)
		}
		if profileDir != "" {
			launch = launch.UserDataDir(profileDir)
		}

		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Info("browser connected", "control_url", controlURL, "headless", m.cfg.IsHeadless())
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// NewProbe opens a fresh stealth page and wraps it as a Probe. The stealth
// script keeps the page from advertising itself as automated, which the
// remote app actively checks for.
func (m *Manager) NewProbe(ctx context.Context) (Probe, error) {
	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()

	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("create stealth page: %w", err)
	}
	page = page.Context(ctx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.log.Warn("failed to set viewport", "error", err)
	}

	return &rodProbe{page: page, navTimeout: m.cfg.NavigationTimeout()}, nil
}

// Shutdown closes the underlying browser. Open probes become invalid.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}
