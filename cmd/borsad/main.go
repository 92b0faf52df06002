// Command borsad wires connectors, middleware, the orchestrator, and the
// streaming supervisor into a running process,
// then serves the read-only introspection API §6 describes.
//
// Grounded on cmd/cryptorun's cobra root command plus zerolog console
// writer setup; the config-driven connector construction loop is the Go
// analogue of borsa-cli's provider registration pass.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/config"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/httpapi"
	"github.com/sawpanic/borsa/internal/metrics"
	"github.com/sawpanic/borsa/internal/middleware/cache"
	"github.com/sawpanic/borsa/internal/orchestrator"
	"github.com/sawpanic/borsa/internal/providers/httpjson"
	"github.com/sawpanic/borsa/internal/streaming"
)

const appName = "borsad"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	noColor := !term.IsTerminal(int(os.Stderr.Fd()))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen, NoColor: noColor})

	var configPath string
	var host string
	var port int

	root := &cobra.Command{
		Use:   appName,
		Short: "Market-data aggregation and routing runtime",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and its introspection HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, host, port)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "config/providers.yaml", "path to providers.yaml")
	serve.Flags().StringVar(&host, "host", "127.0.0.1", "introspection API bind host")
	serve.Flags().IntVar(&port, "port", 8080, "introspection API bind port")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("borsad exited with error")
	}
}

// app bundles everything serve wires up, and implements
// httpapi.StreamManagers by fanning out to one streaming.Manager per kind.
type app struct {
	borsa    *orchestrator.Borsa
	managers map[borsatypes.AssetKind]*streaming.Manager
}

func (a *app) ManagerFor(kind borsatypes.AssetKind) (*streaming.Manager, bool) {
	m, ok := a.managers[kind]
	return m, ok
}

func runServe(configPath, host string, port int) error {
	cfg, err := config.LoadProvidersConfig(configPath)
	if err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}

	cacheStore := cache.NewTTLStore(10_000)
	defer cacheStore.Stop()
	rt := config.NewRuntime(cfg, cacheStore)

	connectors := make([]connector.Connector, 0, len(cfg.Providers))
	kindsSeen := map[borsatypes.AssetKind]bool{}
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		hc := httpjson.New(httpjson.Config{
			Name:              name,
			BaseURL:           p.BaseURL,
			Kinds:             parseKinds(p.Kinds),
			SupportedIntraday: parseIntervals(p.Intraday),
			SupportedDaily:    p.Daily,
			RPS:               float64(p.RPS),
			Burst:             p.Burst,
			UserAgent:         cfg.Global.UserAgent,
		})
		for _, k := range hc.Kinds() {
			kindsSeen[k] = true
		}
		connectors = append(connectors, rt.Wrap(hc))
	}

	builder := orchestrator.NewBuilder().
		WithProviderTimeout(rt.OrchestratorConfig.ProviderTimeout).
		WithBackoff(rt.OrchestratorConfig.Backoff).
		WithFetchStrategy(orchestrator.PriorityWithFallback).
		WithMergeHistoryStrategy(orchestrator.Deep).
		PreferAdjustedHistory(true).
		AutoResampleSubdailyToDaily(true).
		StreamEnforceMonotonicTimestamps(true)
	for _, c := range connectors {
		builder = builder.WithConnector(c)
	}
	bo := builder.Build()

	reg := metrics.NewRegistry()

	a := &app{borsa: bo, managers: map[borsatypes.AssetKind]*streaming.Manager{}}
	for kind := range kindsSeen {
		kindVal := kind
		ordered := bo.OrderedForKind(&kindVal)
		symbols := requiredSymbolsForKind(cfg, kind)
		if len(symbols) == 0 {
			continue
		}
		mgr, initial := streaming.NewManager(kind, ordered, symbols,
			rt.OrchestratorConfig.Backoff.MinBackoff, rt.OrchestratorConfig.Backoff.MaxBackoff,
			rt.OrchestratorConfig.Backoff.Factor, rt.OrchestratorConfig.Backoff.JitterPercent, true)
		a.managers[kind] = mgr
		go func(kind borsatypes.AssetKind) {
			if err := <-initial; err != nil {
				log.Warn().Str("kind", string(kind)).Err(err).Msg("streaming supervisor failed to start any provider")
			}
		}(kind)
	}

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Host: host, Port: port,
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second,
	}, bo, rt.Stacks, reg, a, log.Logger)
	if err != nil {
		return fmt.Errorf("start introspection server: %w", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("introspection server stopped")
		}
	}()
	log.Info().Str("addr", srv.Address()).Int("connectors", len(connectors)).Msg("borsad serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	for _, m := range a.managers {
		m.Stop()
	}
	for _, m := range a.managers {
		m.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func parseKinds(raw []string) []borsatypes.AssetKind {
	out := make([]borsatypes.AssetKind, 0, len(raw))
	for _, s := range raw {
		out = append(out, borsatypes.AssetKind(s))
	}
	return out
}

func parseIntervals(raw []string) []borsatypes.Interval {
	out := make([]borsatypes.Interval, 0, len(raw))
	for _, s := range raw {
		out = append(out, borsatypes.Interval(s))
	}
	return out
}

// requiredSymbolsForKind reads a "<kind>_symbols" list of strings out of
// each provider's Constraints map, if present, and unions them —
// streaming coverage is opt-in per deployment, not inferred from history
// requests.
func requiredSymbolsForKind(cfg *config.ProvidersConfig, kind borsatypes.AssetKind) []string {
	seen := map[string]bool{}
	var out []string
	key := string(kind) + "_symbols"
	for _, p := range cfg.Providers {
		m, ok := p.Constraints.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := m[key]
		if !ok {
			continue
		}
		list, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
