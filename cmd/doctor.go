package cmd

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/internal/config"
	"github.com/famulus-dev/famulus/internal/daemon"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("famulus doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// State dir
	stateDir := cfg.ResolvedStateDir()
	fmt.Printf("  State:    %s", stateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	// Daemon
	fmt.Println()
	fmt.Println("  Daemon:")
	pid, _ := daemon.ReadPid(stateDir)
	if pid == 0 {
		fmt.Printf("    %-10s not running\n", "Status:")
	} else if proc, err := os.FindProcess(pid); err != nil || proc.Signal(syscall.Signal(0)) != nil {
		fmt.Printf("    %-10s stale pid file (pid %d is gone)\n", "Status:", pid)
	} else {
		fmt.Printf("    %-10s running (pid %d)\n", "Status:", pid)
		addr := fmt.Sprintf("%s:%d", clientHost(cfg), cfg.Gateway.Port)
		if reachable(addr) {
			fmt.Printf("    %-10s ws://%s/ws (OK)\n", "Gateway:", addr)
		} else {
			fmt.Printf("    %-10s %s NOT REACHABLE\n", "Gateway:", addr)
		}
	}

	// Backends
	fmt.Println()
	fmt.Println("  Backends:")
	fmt.Printf("    %-10s %s", "tier1:", cfg.Providers.Local.APIBase)
	if hostReachable(cfg.Providers.Local.APIBase) {
		fmt.Printf(" (%s, OK)\n", cfg.Providers.Local.Model)
	} else {
		fmt.Println(" (NOT REACHABLE)")
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		fmt.Printf("    %-10s %s (key set)\n", "tier2:", cfg.Providers.Anthropic.Model)
	} else if cfg.Providers.OpenAI.APIKey != "" {
		fmt.Printf("    %-10s %s (openai-compatible, key set)\n", "tier2:", cfg.Providers.OpenAI.Model)
	} else {
		fmt.Printf("    %-10s no cloud key; tier2 falls back to the local model\n", "tier2:")
	}
	if cfg.Providers.Worker.APIBase != "" {
		fmt.Printf("    %-10s %s", "worker:", cfg.Providers.Worker.APIBase)
		if hostReachable(cfg.Providers.Worker.APIBase) {
			fmt.Printf(" (%s, OK)\n", cfg.Providers.Worker.Model)
		} else {
			fmt.Println(" (NOT REACHABLE)")
		}
	} else {
		fmt.Printf("    %-10s not configured; heavy tasks will queue\n", "worker:")
	}

	// Database
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		fmt.Println()
		fmt.Println("  Database:")
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.Ping()
			db.Close()
		}
		if err != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Postgres:", err)
		} else {
			fmt.Printf("    %-10s OK\n", "Postgres:")
		}
	}
}

func reachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// hostReachable TCP-probes the host:port of an http(s) API base URL.
func hostReachable(apiBase string) bool {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return reachable(host)
}
