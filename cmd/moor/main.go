package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/bootstrap"
	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/jsonx"
	"github.com/moorhq/moor/pkg/logger"
	"github.com/moorhq/moor/pkg/metrics"
	"github.com/moorhq/moor/pkg/observability"

	// Import all bundled connectors to register them
	_ "github.com/moorhq/moor/pkg/connector/db/bigquery"
	_ "github.com/moorhq/moor/pkg/connector/db/mongodb"
	_ "github.com/moorhq/moor/pkg/connector/db/mysql"
	_ "github.com/moorhq/moor/pkg/connector/db/postgres"
	_ "github.com/moorhq/moor/pkg/connector/db/snowflake"
	_ "github.com/moorhq/moor/pkg/connector/messaging/kafka"
	_ "github.com/moorhq/moor/pkg/connector/objectstore/gcs"
	_ "github.com/moorhq/moor/pkg/connector/objectstore/s3"
	_ "github.com/moorhq/moor/pkg/connector/social/github"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel, envFile string

	root := &cobra.Command{
		Use:   "moor",
		Short: "Moor - pluggable connector runtime",
		Long: `Moor manages connections to external systems through one lifecycle.
Databases, object stores, message brokers and web APIs are declared as
connector instances and created, probed, retried and torn down the same way.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("loading env file %s: %w", envFile, err)
				}
			}
			if logLevel != "" {
				return logger.SetLevel(logLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Extra .env file to load before the command runs")

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Moor v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// List command to show registered types and live instances
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered connector types",
		Run: func(cmd *cobra.Command, args []string) {
			printTypes()
			printInstances()
		},
	})

	// Doctor command: probe everything a settings file declares
	var doctorConfigFile, doctorType string
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Probe every configured connector and report reachability",
		Long: `Doctor creates each connector instance declared in a settings file,
probes it with TestConnection and prints one row per instance. The exit
status is non-zero when any probe fails, so it composes with CI checks.

Example:
  moor doctor --config moor.yaml --type postgres`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(doctorConfigFile, doctorType)
		},
	}
	doctorCmd.Flags().StringVarP(&doctorConfigFile, "config", "c", "", "Path to a moor settings file (required)")
	doctorCmd.Flags().StringVarP(&doctorType, "type", "t", "", "Probe only instances of this connector type")
	_ = doctorCmd.MarkFlagRequired("config")
	root.AddCommand(doctorCmd)

	// Up command: bring a manifest up and serve the monitor endpoints
	var manifestFile, listenAddr string
	var enableTracing bool
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Connect every connector in a manifest and serve metrics",
		Long: `Up creates and connects (with retry) every instance a deployment
manifest declares, then serves /metrics, /connectors and /healthz until
SIGINT or SIGTERM. All instances are disconnected on shutdown.

Example:
  moor up -f manifest.yaml --listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(manifestFile, listenAddr, enableTracing)
		},
	}
	upCmd.Flags().StringVarP(&manifestFile, "manifest", "f", "", "Path to a deployment manifest (required)")
	upCmd.Flags().StringVar(&listenAddr, "listen", ":9464", "Monitor listen address")
	upCmd.Flags().BoolVar(&enableTracing, "trace", false, "Emit operation spans to stdout")
	_ = upCmd.MarkFlagRequired("manifest")
	root.AddCommand(upCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printTypes() {
	types := registry.ListAvailableConnectors()
	keys := make([]string, 0, len(types))
	for key := range types {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Type", "Connector")
	for _, key := range keys {
		table.Append(key, types[key])
	}
	table.Render()
}

func printInstances() {
	instances := registry.Default().ListInstances()
	if len(instances) == 0 {
		return
	}
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Instance", "Type")
	for _, name := range names {
		table.Append(name, instances[name])
	}
	table.Render()
}

// runDoctor creates every instance the settings file declares, probes each
// one and prints the results. Instances are torn down before returning.
func runDoctor(configFile, onlyType string) error {
	fc, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if fc.LogLevel != "" {
		_ = logger.SetLevel(fc.LogLevel)
	}

	names := make([]string, 0, len(fc.Connectors))
	for name, cfg := range fc.Connectors {
		if onlyType != "" && cfg.Type != onlyType {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("no connectors in %s match type %q", configFile, onlyType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	defer registry.CleanupAll(context.Background())

	reg := registry.Default()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Instance", "Type", "Status")

	failures := 0
	for _, name := range names {
		cfg := fc.Connectors[name]

		conn, err := reg.CreateNamed(ctx, cfg.Type, name, cfg)
		if err != nil {
			failures++
			table.Append(name, cfg.Type, fmt.Sprintf("create failed: %v", err))
			continue
		}

		status := "ok"
		if !conn.TestConnection(ctx) {
			failures++
			status = "unreachable"
		}
		table.Append(name, cfg.Type, status)
	}
	table.Render()

	printHostSnapshot()

	if failures > 0 {
		return fmt.Errorf("%d of %d connectors failed their probe", failures, len(names))
	}
	fmt.Printf("\nAll %d connectors healthy\n", len(names))
	return nil
}

// printHostSnapshot reports host pressure next to the probe results. A
// saturated host makes probe failures ambiguous.
func printHostSnapshot() {
	fmt.Println()
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		fmt.Printf("Host CPU: %.1f%%\n", pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("Host memory: %.1f%% of %d MB\n", vm.UsedPercent, vm.Total/1024/1024)
	}
}

// runUp brings up a manifest and serves the monitor endpoints until the
// process is signalled.
func runUp(manifestFile, listenAddr string, enableTracing bool) error {
	m, err := bootstrap.LoadManifest(manifestFile)
	if err != nil {
		return err
	}
	if m.LogLevel != "" {
		_ = logger.SetLevel(m.LogLevel)
	}

	log := logger.Get().With(zap.String("component", "moor-cli"))

	if enableTracing {
		tc := observability.DefaultConfig()
		tc.Enabled = true
		tc.ServiceVersion = version
		if err := observability.Init(tc); err != nil {
			return err
		}
	}

	reg := registry.Default()

	upCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	instances, err := bootstrap.Up(upCtx, reg, m)
	cancel()
	if err != nil {
		return err
	}

	log.Info("connectors up",
		zap.Int("count", len(instances)),
		zap.String("listen", listenAddr))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/connectors", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := jsonx.NewEncoder(w).Encode(connectorSummaries(reg)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitor server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("monitor shutdown error", zap.Error(err))
	}
	reg.CleanupAll(shutdownCtx)
	if enableTracing {
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}
	return nil
}

// connectorSummaries collects the per-instance metrics views, sorted by
// instance name so endpoint output is stable.
func connectorSummaries(reg *registry.Registry) []metrics.Summary {
	instances := reg.ListInstances()
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]metrics.Summary, 0, len(names))
	for _, name := range names {
		conn, err := reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, conn.MetricsSummary())
	}
	return out
}
