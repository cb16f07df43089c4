package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level ghostgpt config.
	WorkspaceDirName = ".ghostgpt"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the ghostgpt server.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Browser   BrowserConfig  `yaml:"browser"`
	Chat      ChatConfig     `yaml:"chat"`
	Selectors SelectorConfig `yaml:"selectors"`
	Media     MediaConfig    `yaml:"media"`
	API       APIConfig      `yaml:"api"`
	MCP       MCPConfig      `yaml:"mcp"`
	Store     StoreConfig    `yaml:"store"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we launch or attach to Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). When set, launch is skipped.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional path to the Chrome/Chromium binary. Empty lets Rod's launcher resolve one.
	Bin string `yaml:"bin"`
	// Persistent user-data-dir so the remote login survives restarts.
	ProfileDir string `yaml:"profile_dir"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Visible marks the window as user-visible. Switches prompt input from
	// clipboard paste to keystroke typing.
	Visible bool `yaml:"visible"`
	// Default navigation timeout (e.g., "60s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Viewport width for new pages (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new pages (default: 720).
	ViewportHeight int `yaml:"viewport_height"`
}

// ChatConfig holds the timing knobs for the completion detector and the
// conversation registry.
type ChatConfig struct {
	// Base URL of the remote chat application.
	BaseURL string `yaml:"base_url"`
	// How long to wait for a new answer element to appear (e.g., "60s").
	StartTimeout string `yaml:"start_timeout"`
	// Ceiling for a full answer. Sized for slow reasoning answers (e.g., "300s").
	CompletionTimeout string `yaml:"completion_timeout"`
	// Poll interval for the blocking completion detector (e.g., "500ms").
	PollInterval string `yaml:"poll_interval"`
	// Poll interval for the streaming delta engine (e.g., "300ms").
	StreamPollInterval string `yaml:"stream_poll_interval"`
	// How long to wait out a "please wait" challenge page (e.g., "30s").
	ChallengeTimeout string `yaml:"challenge_timeout"`
	// Per-selector bound when waiting for the prompt input (e.g., "3s").
	InputTimeout string `yaml:"input_timeout"`
	// Idle window after which a conversation's tab is reclaimed (e.g., "30m").
	IdleTimeout string `yaml:"idle_timeout"`
}

// SelectorConfig is the ordered fallback table of locators per element role.
// The core resolves each role with "first visible wins"; when the remote UI
// changes and breaks the bridge, this is the data to update.
type SelectorConfig struct {
	PromptInput          []string          `yaml:"prompt_input"`
	SubmitControl        []string          `yaml:"submit_control"`
	AnswerBlock          []string          `yaml:"answer_block"`
	AnswerScope          string            `yaml:"answer_scope"`
	CompletionAffordance []string          `yaml:"completion_affordance"`
	LoginIndicator       []string          `yaml:"login_indicator"`
	FirstRunDialog       []string          `yaml:"first_run_dialog"`
	MediaPatterns        []string          `yaml:"media_patterns"`
	StorageBypass        map[string]string `yaml:"storage_bypass"`
}

// MediaConfig controls where answer-embedded images are persisted.
type MediaConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig configures the OpenAI-compatible HTTP surface.
type APIConfig struct {
	Enable *bool  `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type MCPConfig struct {
	// Enable registers the MCP tool surface.
	Enable bool `yaml:"enable"`
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// StoreConfig locates the on-disk nickname store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "ghostgpt",
			Version:  "0.2.0",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			ProfileDir:               "~/.ghostgpt/profile",
			DefaultNavigationTimeout: "60s",
			ViewportWidth:            1280,
			ViewportHeight:           720,
		},
		Chat: ChatConfig{
			BaseURL:            "https://chatgpt.com",
			StartTimeout:       "60s",
			CompletionTimeout:  "300s",
			PollInterval:       "500ms",
			StreamPollInterval: "300ms",
			ChallengeTimeout:   "30s",
			InputTimeout:       "3s",
			IdleTimeout:        "30m",
		},
		Selectors: DefaultSelectors(),
		Media: MediaConfig{
			Dir: "~/.ghostgpt/images",
		},
		API: APIConfig{
			Addr: ":5124",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Store: StoreConfig{
			Path: "~/.ghostgpt/config.json",
		},
	}
}

// DefaultSelectors is the locator fallback table for the current remote UI.
// The prompt input has flipped between <textarea> and a contenteditable <div>
// across UI versions, hence the ordered fallbacks.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		PromptInput: []string{
			"#prompt-textarea",
			"textarea#prompt-textarea",
			`div#prompt-textarea[contenteditable="true"]`,
			`div[contenteditable="true"]`,
			`input[placeholder*="Ask"]`,
		},
		SubmitControl: []string{
			`button[data-testid="send-button"]`,
			`[data-testid="send-button"]`,
			`button[aria-label="Send prompt"]`,
			`button[aria-label="Send message"]`,
		},
		AnswerBlock: []string{
			`[data-message-author-role="assistant"]`,
			`div[data-message-author-role="assistant"]`,
			"main article",
			"div.markdown",
		},
		AnswerScope: "article",
		// Action buttons that appear on an answer only once generation has
		// finished. Checked inside the answer's enclosing block, never
		// page-wide, so an earlier finished answer cannot satisfy them.
		CompletionAffordance: []string{
			`button[aria-label="Copy"]`,
			`button[aria-label="Read aloud"]`,
			`button[aria-label="Good response"]`,
			`button[aria-label="Bad response"]`,
		},
		LoginIndicator: []string{
			`button[data-testid="login-button"]`,
			`a[href^="/auth/login"]`,
			`input[type="email"]`,
		},
		FirstRunDialog: []string{
			`[data-testid="getting-started-button"]`,
			`button[aria-label="Dismiss"]`,
			`[data-testid="dismiss-welcome"]`,
			`button[aria-label="Close dialog"]`,
		},
		MediaPatterns: []string{
			`img[src*="oaidalleapi"]`,
			`img[src*="openai"]`,
			`img[src*="blob.core.windows"]`,
			`img[alt]`,
		},
		StorageBypass: map[string]string{
			"oai/apps/hasSeenOnboarding/chat":             "true",
			"oai/apps/hasUserContextFirstTime/2023-06-29": "true",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .ghostgpt/config.yaml file.
// Returns the workspace root directory (parent of .ghostgpt/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .ghostgpt/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p[0] == '~' {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.ProfileDir = resolve(cfg.Browser.ProfileDir)
	cfg.Media.Dir = resolve(cfg.Media.Dir)
	cfg.Store.Path = resolve(cfg.Store.Path)
	return cfg
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Chat.BaseURL == "" {
		return errors.New("chat.base_url is required")
	}
	if len(c.Selectors.PromptInput) == 0 {
		return errors.New("selectors.prompt_input must have at least one locator")
	}
	if len(c.Selectors.AnswerBlock) == 0 {
		return errors.New("selectors.answer_block must have at least one locator")
	}
	if !c.API.IsEnabled() && !c.MCP.Enable {
		return errors.New("at least one of api.enable or mcp.enable must be set")
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 60*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

// GetStartTimeout returns how long to wait for an answer to start appearing.
func (c ChatConfig) GetStartTimeout() time.Duration {
	return parseDurationOr(c.StartTimeout, 60*time.Second)
}

// GetCompletionTimeout returns the answer generation ceiling.
func (c ChatConfig) GetCompletionTimeout() time.Duration {
	return parseDurationOr(c.CompletionTimeout, 300*time.Second)
}

// GetPollInterval returns the blocking detector's poll interval.
func (c ChatConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 500*time.Millisecond)
}

// GetStreamPollInterval returns the streaming engine's poll interval.
func (c ChatConfig) GetStreamPollInterval() time.Duration {
	return parseDurationOr(c.StreamPollInterval, 300*time.Millisecond)
}

// GetChallengeTimeout returns the challenge-page resolution window.
func (c ChatConfig) GetChallengeTimeout() time.Duration {
	return parseDurationOr(c.ChallengeTimeout, 30*time.Second)
}

// GetInputTimeout returns the per-selector prompt input wait.
func (c ChatConfig) GetInputTimeout() time.Duration {
	return parseDurationOr(c.InputTimeout, 3*time.Second)
}

// GetIdleTimeout returns the conversation idle eviction window.
func (c ChatConfig) GetIdleTimeout() time.Duration {
	return parseDurationOr(c.IdleTimeout, 30*time.Minute)
}

// IsEnabled returns whether the HTTP API should be served (default: true).
func (a APIConfig) IsEnabled() bool {
	if a.Enable == nil {
		return true
	}
	return *a.Enable
}

// GetAddr returns the HTTP listen address with a sane default.
func (a APIConfig) GetAddr() string {
	if a.Addr == "" {
		return ":5124"
	}
	return a.Addr
}
