// Package oracle quotes the EUR price of one SOL through four layers: a
// short-lived memory cache, a persisted cache row in settings, live
// upstream APIs, and as a last resort a stale memory value.
//
// The upstream path prefers a Solana-native DEX quote in USD converted
// through a EUR/USD rate, then exchange USD tickers, then direct EUR
// pairs. The first source to answer wins and repopulates the caches, so
// interactive callers almost never pay an upstream round trip.
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/cacheutil"
	"github.com/SolVend/engine/internal/circuitbreaker"
	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/httputil"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/storage"
)

// SettingKey is the settings row the persisted quote lives under. The
// value is the bare decimal price string; its age is the row's UpdatedAt.
const SettingKey = "sol_price_eur_cache"

// maxResponseBytes caps upstream response bodies. Price payloads are well
// under a kilobyte.
const maxResponseBytes = 1 << 20

// SettingsStore is the slice of the storage layer the oracle persists
// its quote through.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (storage.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Oracle resolves the EUR/SOL rate. Safe for concurrent use; a refill
// holds the write lock across the upstream calls so concurrent misses
// collapse into one fetch.
type Oracle struct {
	store    SettingsStore
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	cfg      config.OracleConfig

	client    *http.Client // exchange tickers and FX rates
	dexClient *http.Client // DEX aggregator, slower cap

	dex    Source
	usd    []Source
	fx     []Source
	direct []Source

	mu    sync.RWMutex
	cache cacheutil.CachedValue[decimal.Decimal]
}

// Option adjusts an Oracle at construction time.
type Option func(*Oracle)

// WithDEXSource replaces the DEX aggregator source.
func WithDEXSource(s Source) Option { return func(o *Oracle) { o.dex = s } }

// WithUSDSources replaces the exchange USD rotation.
func WithUSDSources(s []Source) Option { return func(o *Oracle) { o.usd = s } }

// WithFXSources replaces the USD→EUR rate rotation.
func WithFXSources(s []Source) Option { return func(o *Oracle) { o.fx = s } }

// WithEURSources replaces the direct EUR rotation.
func WithEURSources(s []Source) Option { return func(o *Oracle) { o.direct = s } }

// New builds an Oracle over the given settings store. breakers and m may
// be nil (tests); upstream calls then run unguarded.
func New(cfg config.OracleConfig, store SettingsStore, breakers *circuitbreaker.Manager, m *metrics.Metrics, opts ...Option) *Oracle {
	o := &Oracle{
		store:     store,
		breakers:  breakers,
		metrics:   m,
		cfg:       cfg,
		client:    httputil.NewClient(cfg.RequestTimeout.Duration),
		dexClient: httputil.NewClient(cfg.DEXQuoteTimeout.Duration),
		dex:       DefaultDEXSource(),
		usd:       DefaultUSDSources(),
		fx:        DefaultFXSources(),
		direct:    DefaultEURSources(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// QuoteEURPerSOL returns the current EUR price of one SOL. Layers are
// consulted in order: fresh memory, persisted setting, live upstreams,
// stale memory. When every layer misses the caller gets
// ErrCodeQuoteUnavailable and must abort whatever needed the price.
func (o *Oracle) QuoteEURPerSOL(ctx context.Context) (decimal.Decimal, error) {
	return cacheutil.ReadThrough(&o.mu,
		func(now time.Time) (decimal.Decimal, bool) {
			if o.cache.Value.IsPositive() && now.Sub(o.cache.FetchedAt) < o.cfg.MemoryTTL.Duration {
				o.observeLayer("memory")
				return o.cache.Value, true
			}
			return decimal.Decimal{}, false
		},
		func(now time.Time) (decimal.Decimal, error) {
			return o.refill(ctx, now)
		},
	)
}

// refill runs under the write lock: persisted layer, then upstreams, then
// the stale escape hatch.
func (o *Oracle) refill(ctx context.Context, now time.Time) (decimal.Decimal, error) {
	log := logger.FromContext(ctx)

	if price, ok := o.persistedQuote(ctx, now); ok {
		o.cache = cacheutil.CachedValue[decimal.Decimal]{Value: price, FetchedAt: now}
		o.observeLayer("persist")
		return price, nil
	}

	if price, ok := o.fetchUpstream(ctx); ok {
		// Upstream rotation can take several seconds across timeouts;
		// stamp the value with the time it actually arrived.
		o.cache = cacheutil.CachedValue[decimal.Decimal]{Value: price, FetchedAt: time.Now()}
		o.persistQuote(ctx, price)
		o.observeLayer("upstream")
		return price, nil
	}

	if o.cache.Value.IsPositive() && now.Sub(o.cache.FetchedAt) < o.cfg.StaleTTL.Duration {
		log.Warn().
			Str("eur_per_sol", o.cache.Value.String()).
			Dur("age", now.Sub(o.cache.FetchedAt)).
			Msg("oracle.stale_quote_served")
		o.observeLayer("stale")
		return o.cache.Value, nil
	}

	return decimal.Decimal{}, errors.New(errors.ErrCodeQuoteUnavailable, "all price layers missed")
}

// persistedQuote reads the setting-backed cache. Missing, unparseable,
// and aged rows are all treated as misses.
func (o *Oracle) persistedQuote(ctx context.Context, now time.Time) (decimal.Decimal, bool) {
	st, err := o.store.GetSetting(ctx, SettingKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			clog := logger.FromContext(ctx)
			clog.Debug().Err(err).Msg("oracle.persist_read_failed")
		}
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(st.Value)
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, false
	}
	if now.Sub(st.UpdatedAt) >= o.cfg.PersistTTL.Duration {
		return decimal.Decimal{}, false
	}
	return price, true
}

// persistQuote best-effort writes the setting row; a lost write only
// costs a future upstream call.
func (o *Oracle) persistQuote(ctx context.Context, price decimal.Decimal) {
	if err := o.store.SetSetting(ctx, SettingKey, price.String()); err != nil {
		clog := logger.FromContext(ctx)
		clog.Warn().Err(err).Msg("oracle.persist_write_failed")
	}
}

// fetchUpstream walks the upstream rotation: a USD quote (DEX first, then
// exchanges) converted through the FX rate, then direct EUR pairs when no
// USD source answered. The EUR result is quantized to the cent.
func (o *Oracle) fetchUpstream(ctx context.Context) (decimal.Decimal, bool) {
	log := logger.FromContext(ctx)

	if usd, ok := o.usdQuote(ctx); ok {
		rate := o.eurUSDRate(ctx)
		price := money.QuantizeEUR(usd.Mul(rate))
		log.Info().
			Str("usd", usd.String()).
			Str("eur_usd", rate.String()).
			Str("eur_per_sol", price.String()).
			Msg("oracle.upstream_quote")
		return price, true
	}

	for _, src := range o.direct {
		price, err := o.fetchSource(ctx, o.client, circuitbreaker.ServicePriceAPI, src)
		if err != nil {
			log.Debug().Err(err).Str("source", src.Name).Msg("oracle.upstream_failed")
			continue
		}
		price = money.QuantizeEUR(price)
		log.Info().
			Str("source", src.Name).
			Str("eur_per_sol", price.String()).
			Msg("oracle.upstream_quote")
		return price, true
	}
	return decimal.Decimal{}, false
}

// usdQuote returns the first SOL/USD price from the DEX aggregator, then
// the exchange rotation.
func (o *Oracle) usdQuote(ctx context.Context) (decimal.Decimal, bool) {
	log := logger.FromContext(ctx)

	price, err := o.fetchSource(ctx, o.dexClient, circuitbreaker.ServicePriceAPI, o.dex)
	if err == nil {
		return price, true
	}
	log.Debug().Err(err).Str("source", o.dex.Name).Msg("oracle.upstream_failed")

	for _, src := range o.usd {
		price, err := o.fetchSource(ctx, o.client, circuitbreaker.ServicePriceAPI, src)
		if err != nil {
			log.Debug().Err(err).Str("source", src.Name).Msg("oracle.upstream_failed")
			continue
		}
		return price, true
	}
	return decimal.Decimal{}, false
}

// eurUSDRate returns the USD→EUR rate, or the configured fallback
// constant when every FX source fails. Sources whose rate fails the
// sanity bounds are rejected in Parse and skipped like any other failure.
func (o *Oracle) eurUSDRate(ctx context.Context) decimal.Decimal {
	log := logger.FromContext(ctx)
	for _, src := range o.fx {
		rate, err := o.fetchSource(ctx, o.client, circuitbreaker.ServiceFXAPI, src)
		if err != nil {
			log.Debug().Err(err).Str("source", src.Name).Msg("oracle.fx_failed")
			continue
		}
		return rate
	}
	fallback := decimal.NewFromFloat(o.cfg.FallbackEURUSD)
	log.Warn().Str("rate", fallback.String()).Msg("oracle.fx_fallback")
	return fallback
}

// fetchSource performs one guarded GET against an upstream and parses the
// price out of the body. Non-200 statuses, including 429, are failures.
func (o *Oracle) fetchSource(ctx context.Context, client *http.Client, service circuitbreaker.ServiceType, src Source) (decimal.Decimal, error) {
	out, err := o.execute(service, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", src.Name, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		return src.Parse(body)
	})
	if o.metrics != nil {
		o.metrics.ObserveUpstreamQuote(src.Name, err)
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	return out.(decimal.Decimal), nil
}

func (o *Oracle) execute(service circuitbreaker.ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if o.breakers == nil {
		return fn()
	}
	return o.breakers.Execute(service, fn)
}

func (o *Oracle) observeLayer(layer string) {
	if o.metrics != nil {
		o.metrics.ObserveQuote(layer)
	}
}

// Refresh refills the quote ahead of expiry so interactive paths rarely
// wait on an upstream. It zeroes the memory timestamp to force the refill
// path; when the refill fails the previous timestamp is restored so the
// stale fallback window is not lost.
func (o *Oracle) Refresh(ctx context.Context) error {
	o.mu.Lock()
	prev := o.cache.FetchedAt
	o.cache.FetchedAt = time.Time{}
	o.mu.Unlock()

	price, err := o.QuoteEURPerSOL(ctx)
	if err != nil {
		o.mu.Lock()
		// A concurrent quote may have refilled the cache in the gap;
		// only restore if the timestamp is still the zero we wrote.
		if o.cache.FetchedAt.IsZero() {
			o.cache.FetchedAt = prev
		}
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.ObserveQuoteRefresh("failure", 0)
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.ObserveQuoteRefresh("success", price.InexactFloat64())
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Str("eur_per_sol", price.String()).
		Msg("oracle.refreshed")
	return nil
}
