package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/developingchet/mihomo-quota-warden/internal/agent"
	"github.com/developingchet/mihomo-quota-warden/internal/config"
	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
	"github.com/developingchet/mihomo-quota-warden/internal/logger"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/developingchet/mihomo-quota-warden/internal/warden"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Per-client traffic quota and bandwidth enforcement for Mihomo",
	}

	root.AddCommand(
		runCmd(),
		reconcileCmd(),
		blockmacCmd(),
		unblockmacCmd(),
		agentinfoCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the warden daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("mihomo-quota-warden starting")

	svc, store, err := buildService(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	warden.BinaryVersion = Version
	return svc.Run(ctx)
}

// buildService constructs the daemon client, optional agent gateway, store,
// and the wired Service. The caller owns closing the returned store.
func buildService(cfg *config.Config, log zerolog.Logger) (*warden.Service, storage.Store, error) {
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	dc := daemon.NewClient(daemon.ClientConfig{
		BaseURL: cfg.MihomoURL,
		Secret:  cfg.MihomoSecret,
		Timeout: cfg.MihomoTimeout,
		Debug:   cfg.MihomoDebug,
	}, log)

	var gw agent.Gateway
	if cfg.AgentEnabled {
		gw = agent.NewGateway(agent.GatewayConfig{
			BaseURL:          cfg.AgentURL,
			Token:            cfg.AgentToken,
			Timeout:          cfg.AgentTimeout,
			ProviderCacheTTL: cfg.ProviderCacheTTL,
			Debug:            cfg.MihomoDebug,
		}, log)
	}

	svc, err := warden.New(cfg, dc, gw, store, log)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("build service: %w", err)
	}
	return svc, store, nil
}

// reconcileCmd runs a single enforce and shaper pass and exits.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a one-shot reconcile pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := buildLogger(cfg)
			svc, store, err := buildService(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := svc.ReconcileOnce(context.Background()); err != nil {
				return err
			}
			fmt.Println("reconcile complete")
			return nil
		},
	}
}

// blockmacCmd blocks a client at the MAC level through the router agent.
func blockmacCmd() *cobra.Command {
	var ports []int
	cmd := &cobra.Command{
		Use:   "blockmac <mac-or-ip>",
		Short: "Block a client MAC through the router agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := buildLogger(cfg)
			svc, store, err := buildService(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := svc.BlockMAC(context.Background(), args[0], ports); err != nil {
				return err
			}
			fmt.Printf("block submitted for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&ports, "ports", nil, "restrict the block to these destination ports")
	return cmd
}

// unblockmacCmd removes a warden-managed MAC block.
func unblockmacCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblockmac <mac-or-ip>",
		Short: "Remove a warden-managed MAC block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := buildLogger(cfg)
			svc, store, err := buildService(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := svc.UnblockMAC(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("unblock submitted for %s\n", args[0])
			return nil
		},
	}
}

// agentinfoCmd probes the router agent and prints its status, neighbor
// table, and proxy providers.
func agentinfoCmd() *cobra.Command {
	var dumpConfig bool
	cmd := &cobra.Command{
		Use:   "agentinfo",
		Short: "Print router agent status, neighbors, and providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.AgentEnabled {
				return fmt.Errorf("AGENT_ENABLED must be true for agentinfo")
			}

			log := buildLogger(cfg)
			gw := agent.NewGateway(agent.GatewayConfig{
				BaseURL:          cfg.AgentURL,
				Token:            cfg.AgentToken,
				Timeout:          cfg.AgentTimeout,
				ProviderCacheTTL: cfg.ProviderCacheTTL,
				Debug:            cfg.MihomoDebug,
			}, log)
			ctx := context.Background()

			st, err := gw.Status(ctx)
			if err != nil {
				return fmt.Errorf("agent unreachable: %w", err)
			}
			fmt.Printf("agent ok=%t version=%s wan=%s lan=%s tc=%t iptables=%t\n",
				st.OK, st.Version, st.WAN, st.LAN, st.TC, st.IPTables)

			if neighbors, err := gw.Neighbors(ctx); err == nil {
				fmt.Printf("neighbors: %d\n", len(neighbors))
				for _, n := range neighbors {
					fmt.Printf("  %-15s %s %s\n", n.IP, n.MAC, n.State)
				}
			}

			if providers, err := gw.Providers(ctx, true); err == nil {
				fmt.Printf("providers: %d\n", len(providers))
				for _, p := range providers {
					fmt.Printf("  %s %s:%s ssl_not_after=%s\n", p.Name, p.Host, p.Port, p.SSLNotAfter)
				}
			}

			if dumpConfig {
				b64, err := gw.MihomoConfig(ctx)
				if err != nil {
					return fmt.Errorf("fetch config: %w", err)
				}
				raw, err := base64.StdEncoding.DecodeString(b64)
				if err != nil {
					return fmt.Errorf("decode config: %w", err)
				}
				_, _ = os.Stdout.Write(raw)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "also print the daemon config fetched via the agent")
	return cmd
}

// healthcheckCmd exits 0 if the running daemon's health endpoint responds.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mihomo-quota-warden %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
