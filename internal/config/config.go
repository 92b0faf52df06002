// config.go turns a loaded ProvidersConfig into the wired runtime: one
// middleware.StackConfig per enabled provider plus the shared managers
// (quota.Manager, blacklist.Manager, circuit.Manager, cache.Middleware)
// those stacks share, ready to be passed to middleware.Wrap around each
// connector before registering it with orchestrator.Builder.
package config

import (
	"time"

	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/middleware"
	"github.com/sawpanic/borsa/internal/middleware/blacklist"
	"github.com/sawpanic/borsa/internal/middleware/cache"
	"github.com/sawpanic/borsa/internal/middleware/circuit"
	"github.com/sawpanic/borsa/internal/middleware/quota"
	"github.com/sawpanic/borsa/internal/orchestrator"
)

// Runtime bundles the shared middleware managers and per-provider stack
// configs derived from a ProvidersConfig, plus the orchestrator-level
// settings (timeouts, backoff) every connector's wrapped instance is
// registered under.
type Runtime struct {
	Quota     *quota.Manager
	Blacklist *blacklist.Manager
	Circuit   *circuit.Manager
	Cache     *cache.Middleware

	Stacks map[string]middleware.StackConfig

	OrchestratorConfig OrchestratorSettings
}

// OrchestratorSettings is the subset of orchestrator.Builder's With*
// options NewRuntime fills in: ProviderTimeout is a fixed 5s,
// RequestTimeout is left unset, and Backoff's bounds come from the
// backoff_ms of whichever enabled provider entry map iteration reaches
// first (500ms/30s when that is unset). GlobalConfig and BudgetConfig are
// not read.
type OrchestratorSettings struct {
	ProviderTimeout time.Duration
	RequestTimeout  time.Duration
	Backoff         orchestrator.BackoffConfig
}

// NewRuntime builds the shared managers and one StackConfig per enabled
// provider entry in cfg. cacheStore backs every provider's cache layer
// (an in-process TTLStore or a shared RedisStore); passing nil disables
// caching across the board regardless of per-provider ttl_secs.
func NewRuntime(cfg *ProvidersConfig, cacheStore cache.Store) *Runtime {
	rt := &Runtime{
		Quota:     quota.NewManager(),
		Blacklist: blacklist.NewManager(nil),
		Circuit:   circuit.NewManager(),
		Stacks:    make(map[string]middleware.StackConfig),
		OrchestratorConfig: OrchestratorSettings{
			ProviderTimeout: 5 * time.Second,
			Backoff:         orchestrator.DefaultBackoffConfig(),
		},
	}
	if cacheStore != nil {
		rt.Cache = cache.NewMiddleware(cacheStore, 0)
	}

	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		stack := middleware.StackConfig{
			Quota: &quota.Config{
				Limit:    uint64(p.DailyBudget),
				Window:   24 * time.Hour,
				Strategy: quota.EvenSpreadHourly,
			},
			Cache: middleware.CacheConfig{
				Enabled: p.TTLSecs > 0 && cacheStore != nil,
				TTLSec:  int64(p.TTLSecs),
			},
			Circuit: &circuit.Config{
				FailureThreshold: p.Circuit.FailureThreshold,
				SuccessThreshold: p.Circuit.SuccessThreshold,
				Timeout:          p.GetMaxBackoff(),
				RequestTimeout:   p.GetRequestTimeout(),
			},
		}
		rt.Stacks[name] = stack
	}

	rt.OrchestratorConfig.Backoff = orchestrator.BackoffConfig{
		MinBackoff: firstPositive(providerBaseBackoff(cfg), 500*time.Millisecond),
		MaxBackoff: firstPositive(providerMaxBackoff(cfg), 30*time.Second),
		Factor:     2,
		JitterPercent: 20,
	}

	return rt
}

// Wrap applies rt's stack config for inner.Name() around inner, or
// returns inner unwrapped if that provider has no config entry (e.g. a
// connector registered without a matching YAML entry).
func (rt *Runtime) Wrap(inner connector.Connector) connector.Connector {
	stack, ok := rt.Stacks[inner.Name()]
	if !ok {
		return inner
	}
	return middleware.Wrap(inner, stack, rt.Quota, rt.Blacklist, rt.Cache, rt.Circuit)
}

func providerBaseBackoff(cfg *ProvidersConfig) time.Duration {
	for _, p := range cfg.Providers {
		if p.Enabled {
			return p.GetBaseBackoff()
		}
	}
	return 0
}

func providerMaxBackoff(cfg *ProvidersConfig) time.Duration {
	for _, p := range cfg.Providers {
		if p.Enabled {
			return p.GetMaxBackoff()
		}
	}
	return 0
}

func firstPositive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
