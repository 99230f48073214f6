// ABOUTME: Entry point for the coven-board message board server
// ABOUTME: Subcommands serve the board, write a starter config, add users and check health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/config"
	"github.com/2389/coven-board/internal/server"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/validation"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _                         _
  ___ _____   _____ _ __        | |__   ___   __ _ _ __ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ | '_ \ / _ \ / _' | '__/ _' |
| (_| (_) \ V /  __/ | | |_____|| |_) | (_) | (_| | | | (_| |
 \___\___/ \_/ \___|_| |_|      |_.__/ \___/ \__,_|_|  \__,_|
`

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-board <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the board server")
	fmt.Println("  init           Write a starter config file")
	fmt.Println("  adduser NAME   Create a user (password read from stdin)")
	fmt.Println("  health         Check board health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(config.DefaultPath())
	case "adduser":
		err = runAddUser(ctx, os.Args[2:], os.Stdin)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

	// Print banner
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting coven-board",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runInit writes a starter config with a fresh CSRF secret. An existing
// file is left alone.
func runInit(configPath string) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Print("    ● ")
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating csrf secret: %w", err)
	}

	dbPath := filepath.Join(getDataPath(), "board.db")
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := config.Template(dbPath, hex.EncodeToString(secret))
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green.Print("    ✓ ")
	fmt.Printf("Wrote config: %s\n", configPath)
	green.Print("    ✓ ")
	fmt.Printf("Database:     %s\n", dbPath)
	fmt.Println()
	fmt.Println("    Next: coven-board adduser <name>, then coven-board serve")
	return nil
}

// runAddUser creates a user. The password is the first line of stdin.
func runAddUser(ctx context.Context, args []string, stdin io.Reader) error {
	if len(args) != 1 {
		return errors.New("usage: coven-board adduser NAME")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return addUser(ctx, cfg, args[0], stdin, os.Stdout)
}

func addUser(ctx context.Context, cfg *config.Config, name string, stdin io.Reader, out io.Writer) error {
	if f, ok := stdin.(*os.File); ok && isTerminal(f) {
		fmt.Fprint(out, "Password: ")
	}
	password, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	accounts := auth.NewAccounts(s, bcrypt.DefaultCost, setupLogger(cfg.Logging))
	user, err := accounts.Register(ctx, auth.Credentials{Name: name, Password: password})
	var verr *validation.Error
	switch {
	case err == nil:
	case errors.As(err, &verr):
		return verr
	case errors.Is(err, store.ErrUsernameExists):
		return fmt.Errorf("user %q already exists", name)
	default:
		return fmt.Errorf("creating user: %w", err)
	}

	fmt.Fprintf(out, "created user %s (%s)\n", user.Name, user.ID)
	return nil
}

// isTerminal reports whether f is a character device.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return checkHealth(ctx, http.DefaultClient, "http://"+cfg.Server.HTTPAddr, os.Stdout)
}

// checkHealth queries /health/ready on baseURL.
func checkHealth(ctx context.Context, client *http.Client, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Fprintf(out, "healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}
