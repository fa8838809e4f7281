// ABOUTME: Entry point for the drift-relay server
// ABOUTME: Bridges messaging-platform webhooks to the hosted assistant backend

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/driftline/drift-relay/internal/config"
	"github.com/driftline/drift-relay/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _      _  __ _                  _
  __| |_ __(_)/ _| |_      _ __ ___| | __ _ _   _
 / _' | '__| | |_| __|____| '__/ _ \ |/ _' | | | |
| (_| | |  | |  _| ||_____| | |  __/ | (_| | |_| |
 \__,_|_|  |_|_|  \__|    |_|  \___|_|\__,_|\__, |
                                            |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: DRIFT_RELAY_CONFIG env var > ./relay.yaml > ~/.config/drift-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DRIFT_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "drift-relay", "relay.yaml")
}

func main() {
	// Local development convenience; absence of a .env file is fine
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: drift-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay server")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s\n", cfg.Storage.Backend)
	fmt.Println()

	logger.Info("starting drift-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
	)

	r, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return r.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", strings.TrimPrefix(cfg.Server.HTTPAddr, "http://"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a commented starter config next to wherever the relay will
// look for it. Secrets are left as env var references.
func runInit() error {
	outputFile := getConfigPath()

	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("config already exists: %s", outputFile)
	}

	const starter = `# drift-relay configuration
# Generated by drift-relay init

server:
  http_addr: ":8080"

storage:
  backend: "sqlite"
  sqlite:
    path: "./relay.db"

assistant:
  base_url: "${ASSISTANT_BASE_URL}"
  api_key: "${ASSISTANT_API_KEY}"
  poll_interval: "1s"
  max_attempts: 60
  request_timeout: "8s"

messaging:
  base_url: "${MESSAGING_BASE_URL}"
  access_token: "${MESSAGING_ACCESS_TOKEN}"
  bot_actor_id: "${BOT_ACTOR_ID}"
  max_send_retries: 3
  retry_backoff: "1s"

escalation:
  keywords:
    - "connect you with my manager"
    - "human agent"
    - "escalate"
  resolution_keywords:
    - "resolved"
    - "done"
    - "back to bot"

sessions:
  retention: "168h"
  eviction_interval: "1h"

ingress:
  verify_token: "${WEBHOOK_VERIFY_TOKEN}"
  app_secret: "${WEBHOOK_APP_SECRET}"

ops:
  auth_token: "${OPS_AUTH_TOKEN}"

logging:
  level: "info"
  format: "text"
`

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(starter), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  drift-relay serve")
	return nil
}
