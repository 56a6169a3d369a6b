// Command shadowhunter runs the Shadow Hunter network Shadow-AI detection
// service: it wires the event bus, graph store, rule detector, intelligence
// engine, and active-defense layer behind a REST/WebSocket API, fed either
// by a live eBPF sniffer or the synthetic persona generator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/api"
	"github.com/shadowhunter/core/internal/config"
	"github.com/shadowhunter/core/internal/defense"
	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/infra"
	"github.com/shadowhunter/core/internal/intel"
	"github.com/shadowhunter/core/internal/intelligence"
	"github.com/shadowhunter/core/internal/metrics"
	"github.com/shadowhunter/core/internal/source"
	"github.com/shadowhunter/core/internal/telemetry"
	"github.com/shadowhunter/core/internal/websocket"
)

// Exit codes per the service's operational contract.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitCaptureError = 2
	exitBindError    = 3
)

var log = telemetry.Component("MAIN")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shadowhunter",
	Short: "Shadow Hunter — network Shadow-AI detection",
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to config.yaml")
	rootCmd.AddCommand(serveCmd, demoCmd, resetCmd)

	for _, cmd := range []*cobra.Command{serveCmd, demoCmd} {
		cmd.Flags().Bool("live", false, "Capture live traffic instead of the synthetic generator")
		cmd.Flags().String("interface", "", "Network interface for live capture (requires --live)")
		cmd.Flags().Bool("inmemory", false, "Use an in-memory graph store instead of the on-disk bbolt file")
		cmd.Flags().Int("port", 0, "HTTP API port (0 uses config default)")
		cmd.Flags().Int64("seed", 0, "Synthetic generator seed (0 uses config default)")
	}
	serveCmd.Flags().Bool("reset", false, "Wipe the graph store before starting")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full detection pipeline",
	RunE:  runService,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run with the synthetic generator and an in-memory store, regardless of flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Flags().Set("inmemory", "true")
		cmd.Flags().Set("live", "false")
		return runService(cmd, args)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the on-disk graph store and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg := config.Load(cfgPath)
		store, err := graph.Open(cfg.Graph.DBPath)
		if err != nil {
			os.Exit(exitConfigError)
		}
		defer store.Close()
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		fmt.Println("graph store reset")
		return nil
	},
}

func runService(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg := config.Load(cfgPath)

	live, _ := cmd.Flags().GetBool("live")
	iface, _ := cmd.Flags().GetString("interface")
	inMemory, _ := cmd.Flags().GetBool("inmemory")
	port, _ := cmd.Flags().GetInt("port")
	seed, _ := cmd.Flags().GetInt64("seed")
	reset, _ := cmd.Flags().GetBool("reset")

	if live {
		cfg.Capture.Live = true
	}
	if iface != "" {
		cfg.Capture.Interface = iface
	}
	if inMemory {
		cfg.Graph.InMemory = true
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if seed != 0 {
		cfg.Generator.Seed = seed
	}
	if reset {
		cfg.Graph.ResetOnStart = true
	}

	telemetry.Init("", false)
	mx := metrics.New()

	store, err := openGraphStore(cfg)
	if err != nil {
		log.Printf("graph store init failed: %v", err)
		os.Exit(exitConfigError)
	}
	defer store.Close()

	var redisAdapter *infra.GoRedisAdapter
	if cfg.Broker.RedisAddr != "" {
		a, err := infra.NewGoRedisAdapter(cfg.Broker.RedisAddr, cfg.Broker.RedisPassword, cfg.Broker.RedisDB)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory broker and blocklist: %v", err)
		} else {
			redisAdapter = a
			defer a.Close()
		}
	}

	bus := newEventBus(context.Background(), cfg, redisAdapter)

	bl := defense.NewBlocklist(time.Duration(cfg.Defense.BlocklistTTLSec)*time.Second, cfg.Defense.SafeList)
	responses := defense.NewResponseManager(bl, time.Duration(cfg.Defense.BlocklistTTLSec)*time.Second, cfg.Defense.CriticalRisk, redisAdapter)

	var probes analyzer.ProbeScheduler
	if cfg.Defense.Enabled {
		probes = defense.NewInterrogator(bl, store, defense.Config{
			Cooldown:        time.Duration(cfg.Defense.ProbeCooldownSec) * time.Second,
			ProbesPerMinute: cfg.Defense.ProbesPerMinute,
			Timeout:         time.Duration(cfg.Defense.ProbeTimeoutSec) * time.Second,
			MaxInFlight:     cfg.Defense.MaxInFlightProbes,
		})
	}

	knowledge := intel.Default()
	engine := intelligence.NewEngine()

	an := analyzer.New(bus, store, knowledge, engine, probes, responses, analyzer.Config{
		WorkerCount:    cfg.Analyzer.WorkerCount,
		CriticalRisk:   cfg.Defense.CriticalRisk,
		ProbingEnabled: cfg.Defense.Enabled,
		QueueDepth:     cfg.Analyzer.QueueDepth,
	})

	streamer := websocket.NewStreamer()
	streamer.SubscribeHub(bus)

	apiServer := api.NewAPIServer(serverMode(cfg), store, an, responses, streamer, cfg.Server.AllowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopStreamer := make(chan struct{})
	go streamer.Run(stopStreamer)

	analyzerErrCh := make(chan error, 1)
	go func() {
		analyzerErrCh <- an.Run(ctx, time.Duration(cfg.Analyzer.ShutdownGraceSec)*time.Second)
	}()

	sourceStop, sourceErrCh := startSource(ctx, cfg, bus, mx)

	go pollMetrics(ctx, mx, an, responses)

	apiErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.Server.Port,
			time.Duration(cfg.Server.ReadTimeoutSec)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSec)*time.Second,
			time.Duration(cfg.Server.IdleTimeoutSec)*time.Second,
		); err != nil {
			apiErrCh <- err
		}
	}()

	go serveMetricsEndpoint(cfg.Metrics.BindAddr)

	log.Printf("shadowhunter serving on :%d (mode=%s, live=%v)", cfg.Server.Port, serverMode(cfg), cfg.Capture.Live)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("shutting down")
	case err := <-apiErrCh:
		log.Printf("API server error: %v", err)
		os.Exit(exitBindError)
	case err := <-sourceErrCh:
		log.Printf("source adapter error: %v", err)
		os.Exit(exitCaptureError)
	}

	cancel()
	close(stopStreamer)
	if sourceStop != nil {
		sourceStop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	<-analyzerErrCh
	return nil
}

func serverMode(cfg *config.Config) api.Mode {
	if cfg.Capture.Live {
		return api.ModeLive
	}
	return api.ModeDemo
}

func openGraphStore(cfg *config.Config) (*graph.Store, error) {
	if cfg.Graph.InMemory {
		return graph.OpenMemory(), nil
	}
	store, err := graph.Open(cfg.Graph.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.Graph.ResetOnStart {
		if err := store.Reset(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// newEventBus picks the broker backend the config selects, preferring a
// durable Pub/Sub topic, then Redis cross-instance fan-out, and falling back
// to the plain in-memory bus whenever the durable backend isn't configured
// or fails to connect — the same graceful-fallback shape the teacher applies
// to every optional external dependency.
func newEventBus(ctx context.Context, cfg *config.Config, redisAdapter *infra.GoRedisAdapter) analyzer.EventHub {
	if cfg.Broker.PubSubProjectID != "" && cfg.Broker.PubSubTopicID != "" {
		db, err := events.NewDurableBus(ctx, cfg.Broker.PubSubProjectID, cfg.Broker.PubSubTopicID, cfg.Broker.QueueDepth)
		if err != nil {
			log.Printf("pub/sub unavailable, falling back to in-memory broker: %v", err)
		} else {
			return db
		}
	}

	if redisAdapter != nil {
		rb, err := events.NewRedisFanoutBus(ctx, redisAdapter, cfg.Broker.QueueDepth,
			events.TopicTraffic, events.TopicAlerts, events.TopicGraphChanges, events.TopicResponses)
		if err != nil {
			log.Printf("redis fan-out unavailable, falling back to in-memory broker: %v", err)
		} else {
			return rb
		}
	}

	return events.New(cfg.Broker.QueueDepth)
}

// startSource wires whichever flow producer the config selects and returns
// a stop function plus an error channel that only fires for a live-capture
// initialization failure.
func startSource(ctx context.Context, cfg *config.Config, bus events.Emitter, mx interface{ RecordIngested(string) }) (func(), <-chan error) {
	errCh := make(chan error, 1)

	if cfg.Capture.Live {
		sniffer, err := source.NewSniffer(cfg.Capture.Interface, countingEmitter{bus, mx, "sniffer"})
		if err != nil {
			errCh <- err
			return nil, errCh
		}
		sniffer.Start()
		return sniffer.Stop, errCh
	}

	gen := source.NewGenerator(cfg.Generator.Seed, cfg.Generator.EventsPerSec, nil, countingEmitter{bus, mx, "generator"})
	genCtx, cancel := context.WithCancel(ctx)
	go gen.Run(genCtx, time.Second)
	return cancel, errCh
}

// countingEmitter wraps the bus with a per-source ingestion counter so both
// adapters report to Prometheus without needing to know about metrics
// themselves.
type countingEmitter struct {
	bus    events.Emitter
	mx     interface{ RecordIngested(string) }
	source string
}

func (c countingEmitter) Publish(topic, source string, data interface{}) {
	c.mx.RecordIngested(c.source)
	c.bus.Publish(topic, source, data)
}

// pollMetrics mirrors the analyzer's cumulative counters onto the
// Prometheus collectors, which only accept deltas, and refreshes the
// blocklist gauge.
func pollMetrics(ctx context.Context, mx *metrics.Metrics, an *analyzer.Analyzer, responses *defense.ResponseManager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastDropped, lastFailures int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := an.Stats()
			if d := stats.Dropped - lastDropped; d > 0 {
				mx.EventsDropped.Add(float64(d))
				lastDropped = stats.Dropped
			}
			if f := stats.StoreFailures - lastFailures; f > 0 {
				mx.StoreFailures.Add(float64(f))
				lastFailures = stats.StoreFailures
			}
			mx.SetBlocklistSize(len(responses.ListBlocked()))
		}
	}
}

func serveMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server error: %v", err)
	}
}
