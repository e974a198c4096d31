// Package app provides the entry point for the metamcp command-line
// application.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp/agent/openaichat"
	"github.com/stacklok/metamcp/pkg/metamcp/appctx"
	"github.com/stacklok/metamcp/pkg/metamcp/memstore"
	"github.com/stacklok/metamcp/pkg/metamcp/refresher"
	metamcpserver "github.com/stacklok/metamcp/pkg/metamcp/server"
	"github.com/stacklok/metamcp/pkg/metamcp/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds how long serve waits for in-flight requests to
// drain after an interrupt before forcing the listeners closed.
const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:               "metamcp",
	DisableAutoGenTag: true,
	Short:             "MetaMCP gateway - aggregate and proxy multiple MCP servers behind per-namespace endpoints",
	Long: `metamcp is a multi-tenant gateway that groups upstream MCP servers into
namespaces and exposes each namespace as a single MCP endpoint. It provides:

- Tool aggregation and name-override rewriting per namespace
- Smart Discovery (metamcp__find / metamcp__ask) for large tool sets
- An optional LLM-backed Ask-Agent that plans and executes tool calls
- Pooled, reference-counted upstream connections

metamcp reuses the gateway core's session, discovery, and aggregation
packages; this command wires them to a configuration file and a
listening address.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		logger.Initialize(debug)
	},
}

// NewRootCmd creates the root command for the metamcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to metamcp configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the metamcp gateway",
		Long: `Start the metamcp gateway, reading the namespace/server topology from the
configuration file given by --config, mounting one MCP endpoint per
namespace, and serving until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "Address to listen on")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("metamcp version: %s", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate the metamcp configuration file for syntax and semantic errors:
namespace name uniqueness, per-server transport correctness, and required
fields for each transport.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}

			logger.Infof("configuration is valid: %d namespace(s)", len(cfg.Namespaces))
			for _, ns := range cfg.Namespaces {
				logger.Infof("  %s: %d server(s), smartDiscovery=%v", ns.Name, len(ns.Servers), ns.SmartDiscoveryEnabled)
			}
			return nil
		},
	}
}

// runServe implements the serve command: seed the in-memory reference
// store from the config file, wire a Context, mount every namespace, and
// block until interrupted (spec §4.10, §9).
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}
	addr, _ := cmd.Flags().GetString("addr")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	store := memstore.New()
	namespaceUUIDs := seedStore(store, cfg)

	apiKey := os.Getenv("METAMCP_OPENAI_API_KEY")
	baseURL := os.Getenv("METAMCP_OPENAI_BASE_URL")

	ac := appctx.New(appctx.Config{
		Store:         store,
		Embedder:      openaichat.NewEmbedder(apiKey, baseURL),
		Chat:          openaichat.New(apiKey, baseURL),
		ClientVersion: version,
	})
	ac.StartBackgroundJobs(ctx)

	refresh := refresher.New(store, ac.Servers, ac.Aggregator)
	refresh.RefreshAll(ctx, namespaceUUIDs...)
	refresh.Start(ctx)

	manager := metamcpserver.NewManager(addr)
	manager.MountMetrics(telemetry.Handler(telemetry.NewCollector(ac.Sessions, ac.Namespaces)))
	for _, nsUUID := range namespaceUUIDs {
		ns, err := store.GetNamespace(ctx, nsUUID)
		if err != nil || ns == nil {
			continue
		}
		ac.Namespaces.EnsureIdleServerForNewNamespaceAsync(ctx, ns)
		manager.MountNamespace(ns, ac.Pipeline, ac.Aggregator, metamcpserver.Deps{
			Registry:   ac.Sessions,
			Tracker:    ac.Tracker,
			Namespaces: ac.Namespaces,
		})
		logger.Infof("mounted namespace %q at /%s/{sse,mcp}", ns.Name, ns.Name)
	}

	manager.Start(func(err error) {
		logger.Errorf("metamcp: listener error: %v", err)
	})
	logger.Infof("metamcp listening on %s", addr)

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return manager.Shutdown(shutdownCtx)
}
