// Package app assembles the gateway: per-market runtimes (adapter, journal,
// pipeline, tracker, supervisor, reports), the shared registry and rollover
// state, the scheduler and the HTTP façade. Everything hangs off a single
// Core so shutdown can walk it in order.
package app

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/calendar"
	"github.com/twquant/tvgateway/internal/clients/binance"
	"github.com/twquant/tvgateway/internal/clients/txbridge"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/internal/lifecycle"
	"github.com/twquant/tvgateway/internal/notify"
	"github.com/twquant/tvgateway/internal/pipeline"
	"github.com/twquant/tvgateway/internal/registry"
	"github.com/twquant/tvgateway/internal/report"
	"github.com/twquant/tvgateway/internal/rollover"
	"github.com/twquant/tvgateway/internal/scheduler"
	"github.com/twquant/tvgateway/internal/server"
	"github.com/twquant/tvgateway/internal/supervisor"
)

// btcPollInterval is the order-state polling fallback for the user stream.
const btcPollInterval = 30 * time.Second

// marketRuntime is everything one market owns.
type marketRuntime struct {
	adapter    broker.Adapter
	journal    *journal.Journal
	notifier   *notify.Notifier
	pipeline   *pipeline.Pipeline
	tracker    *lifecycle.Tracker
	supervisor *supervisor.Supervisor
	reports    *report.Builder
}

// Core is the assembled gateway.
type Core struct {
	cfg      *config.Config
	log      zerolog.Logger
	events   *events.Manager
	registry *registry.Registry
	calendar *calendar.Calendar
	rollover *rollover.Engine

	tx  *marketRuntime // nil when LOGIN=0
	btc *marketRuntime

	server *server.Server
	sched  *scheduler.Scheduler

	marginMu   sync.Mutex
	marginFile string
	lastMargin map[domain.Market]domain.AccountSnapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the gateway from configuration. No network traffic happens here;
// Start performs the logins.
func New(cfg *config.Config, log zerolog.Logger) (*Core, error) {
	c := &Core{
		cfg:    cfg,
		log:    log.With().Str("component", "app").Logger(),
		events: events.NewManager(log),
	}
	c.marginFile = cfg.MarginFile
	c.lastMargin = loadMarginBaseline(cfg.MarginFile, c.log)

	reg, err := registry.Load(cfg.RegistryFile, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load order registry: %w", err)
	}
	c.registry = reg
	c.calendar = calendar.New(cfg.HolidayDir, log)

	if cfg.TX.LoginEnabled {
		if err := c.buildTX(log); err != nil {
			return nil, err
		}
	} else {
		c.log.Info().Msg("TX login disabled")
	}
	if cfg.BTC.LoginEnabled {
		if err := c.buildBTC(log); err != nil {
			return nil, err
		}
	} else {
		c.log.Info().Msg("BTC login disabled")
	}

	c.sched = scheduler.New(c.calendar, c.schedulerHooks(), log, nil)
	c.server = server.New(server.Deps{
		Port:        cfg.Port,
		Log:         log,
		TXPipeline:  pipelineOf(c.tx),
		BTCPipeline: pipelineOf(c.btc),
		TXAdapter:   adapterOf(c.tx),
		BTCAdapter:  adapterOf(c.btc),
		Registry:    reg,
	})
	return c, nil
}

func (c *Core) buildTX(log zerolog.Logger) error {
	adapter := txbridge.NewClient(c.cfg.TX, log)
	notifier := notify.New(c.cfg.TX.TelegramToken, c.cfg.TX.TelegramChatIDs, log)

	jrnl, err := journal.New(c.cfg.TXDataDir, domain.MarketTX, log)
	if err != nil {
		return err
	}

	c.rollover = rollover.NewEngine(adapter, notifier, c.events, log, nil)

	pipe := pipeline.New(pipeline.Deps{
		Market:   domain.MarketTX,
		Adapter:  adapter,
		Selector: c.rollover,
		Calendar: c.calendar,
		Journal:  jrnl,
		Registry: c.registry,
		Notifier: notifier,
		Events:   c.events,
		Log:      log,
	})
	tracker := lifecycle.NewTracker(lifecycle.TrackerDeps{
		Market:   domain.MarketTX,
		Adapter:  adapter,
		Journal:  jrnl,
		Registry: c.registry,
		Notifier: notifier,
		Events:   c.events,
		Log:      log,
	})
	sup := supervisor.New(supervisor.Deps{
		Market:       domain.MarketTX,
		Adapter:      adapter,
		Clock:        c.calendar,
		Notifier:     notifier,
		Events:       c.events,
		Log:          log,
		ForceRelogin: true,
	})

	c.tx = &marketRuntime{
		adapter:    adapter,
		journal:    jrnl,
		notifier:   notifier,
		pipeline:   pipe,
		tracker:    tracker,
		supervisor: sup,
		reports:    report.NewBuilder(domain.MarketTX, jrnl, adapter, notifier, c.events, c.cfg.TXDataDir, log, nil),
	}
	return nil
}

func (c *Core) buildBTC(log zerolog.Logger) error {
	adapter := binance.NewClient(c.cfg.BTC, log)
	notifier := notify.New(c.cfg.BTC.TelegramToken, c.cfg.BTC.TelegramChatIDs, log)

	jrnl, err := journal.New(c.cfg.BTCDataDir, domain.MarketBTC, log)
	if err != nil {
		return err
	}

	pipe := pipeline.New(pipeline.Deps{
		Market:   domain.MarketBTC,
		Adapter:  adapter,
		Journal:  jrnl,
		Registry: c.registry,
		Notifier: notifier,
		Events:   c.events,
		BTCCfg:   c.cfg.BTC,
		Mark:     adapter,
		Log:      log,
	})
	tracker := lifecycle.NewTracker(lifecycle.TrackerDeps{
		Market:       domain.MarketBTC,
		Adapter:      adapter,
		Journal:      jrnl,
		Registry:     c.registry,
		Notifier:     notifier,
		Events:       c.events,
		Log:          log,
		PollInterval: btcPollInterval,
	})
	sup := supervisor.New(supervisor.Deps{
		Market:   domain.MarketBTC,
		Adapter:  adapter,
		Notifier: notifier,
		Events:   c.events,
		Log:      log,
	})

	c.btc = &marketRuntime{
		adapter:    adapter,
		journal:    jrnl,
		notifier:   notifier,
		pipeline:   pipe,
		tracker:    tracker,
		supervisor: sup,
		reports:    report.NewBuilder(domain.MarketBTC, jrnl, adapter, notifier, c.events, c.cfg.BTCDataDir, log, nil),
	}
	return nil
}

// Start logs the enabled markets in, recovers registry state against the
// journals, and launches the background loops plus the HTTP server.
func (c *Core) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, rt := range c.runtimes() {
		market := rt.adapter.Market()
		if err := rt.adapter.Login(ctx); err != nil {
			// A failed initial login is not fatal; the supervisor keeps
			// retrying and the other market stays live.
			c.log.Error().Err(err).Str("market", string(market)).Msg("Initial login failed")
		} else {
			c.log.Info().Str("market", string(market)).Msg("Logged in")
		}
	}

	c.recover()

	if c.rollover != nil {
		if err := c.rollover.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Initial contract refresh failed")
		}
	}

	for _, rt := range c.runtimes() {
		rt := rt
		c.spawn(func() { rt.tracker.Start(ctx) })
		c.spawn(func() { rt.supervisor.Run(ctx) })
	}
	c.spawn(func() { c.sched.Run(ctx) })

	return nil
}

// Serve blocks in the HTTP listener.
func (c *Core) Serve() error {
	return c.server.Start()
}

// recover drops registry entries whose terminal state is already journaled,
// leaving only genuinely live orders for the trackers to poll.
func (c *Core) recover() {
	var entries []journal.Entry
	now := time.Now()
	for _, rt := range c.runtimes() {
		day, err := rt.journal.ReadDate(now)
		if err != nil {
			c.log.Warn().Err(err).Msg("Recovery journal read failed")
			continue
		}
		entries = append(entries, day...)
	}
	if err := c.registry.PruneAgainstJournal(entries); err != nil {
		c.log.Error().Err(err).Msg("Registry recovery failed")
	}
	if n := c.registry.Len(); n > 0 {
		c.log.Info().Int("orders", n).Msg("Live orders carried over from previous run")
	}
}

// Shutdown stops the loops, drains the HTTP server and persists the registry.
func (c *Core) Shutdown(ctx context.Context) {
	c.log.Info().Msg("Shutting down")
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.server.Shutdown(ctx); err != nil {
		c.log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	c.wg.Wait()

	for _, rt := range c.runtimes() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = rt.adapter.Logout(logoutCtx)
		cancel()
	}
	if err := c.registry.Persist(); err != nil {
		c.log.Error().Err(err).Msg("Registry persist failed")
	}
	c.log.Info().Msg("Shutdown complete")
}

func (c *Core) schedulerHooks() scheduler.Hooks {
	hooks := scheduler.Hooks{}

	if c.tx != nil {
		rt := c.tx
		hooks.TXStartupNotice = func(context.Context) {
			rt.notifier.SendText("startup", "🚀 <b>TX 交易系統啟動</b>")
		}
		hooks.TXDailyStats = func(ctx context.Context) { rt.reports.SendStatistics(ctx, time.Now()) }
		hooks.TXDailyReport = func(ctx context.Context) {
			if err := rt.reports.Daily(ctx, time.Now()); err != nil {
				c.log.Error().Err(err).Msg("TX daily report failed")
			}
		}
		hooks.TXMonthlyReport = func(ctx context.Context) {
			if err := rt.reports.Monthly(ctx, time.Now()); err != nil {
				c.log.Error().Err(err).Msg("TX monthly report failed")
			}
		}
		hooks.RolloverTick = func(ctx context.Context) {
			if err := c.rollover.Refresh(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Rollover refresh failed")
			}
			c.rollover.Evaluate(ctx)
		}
	}

	if c.btc != nil {
		rt := c.btc
		hooks.BTCStartupNotice = func(context.Context) {
			rt.notifier.SendText("startup", "🚀 <b>BTC 交易系統啟動</b>")
		}
		hooks.BTCDailyStats = func(ctx context.Context) { rt.reports.SendStatistics(ctx, time.Now()) }
		hooks.BTCDailyReport = func(ctx context.Context) {
			if err := rt.reports.Daily(ctx, time.Now()); err != nil {
				c.log.Error().Err(err).Msg("BTC daily report failed")
			}
		}
		hooks.BTCMonthlyReport = func(ctx context.Context) {
			if err := rt.reports.Monthly(ctx, time.Now()); err != nil {
				c.log.Error().Err(err).Msg("BTC monthly report failed")
			}
		}
	}

	hooks.MarginCheck = c.checkMarginChanges
	return hooks
}

// checkMarginChanges compares each market's margin requirements against the
// previous 14:50 snapshot and notifies on movement. The baseline is mirrored
// to disk so a restart does not lose it.
func (c *Core) checkMarginChanges(ctx context.Context) {
	for _, rt := range c.runtimes() {
		market := rt.adapter.Market()
		snap, err := rt.adapter.AccountSnapshot(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("market", string(market)).Msg("Margin check skipped")
			continue
		}

		c.marginMu.Lock()
		prev, seen := c.lastMargin[market]
		c.lastMargin[market] = snap
		saveMarginBaseline(c.marginFile, c.lastMargin, c.log)
		c.marginMu.Unlock()

		if !seen {
			continue
		}
		if marginMoved(prev.InitialMargin, snap.InitialMargin) ||
			marginMoved(prev.MaintenanceMargin, snap.MaintenanceMargin) {
			c.events.Emit(events.MarginChanged, "app", map[string]interface{}{
				"market":             string(market),
				"initial_margin":     snap.InitialMargin,
				"maintenance_margin": snap.MaintenanceMargin,
			})
			rt.notifier.SendText("margin", fmt.Sprintf(
				"⚖️ <b>保證金異動</b>\n市場: %s\n起始保證金: %.2f → %.2f\n維持保證金: %.2f → %.2f",
				market, prev.InitialMargin, snap.InitialMargin,
				prev.MaintenanceMargin, snap.MaintenanceMargin))
		}
	}
}

func marginMoved(prev, cur float64) bool {
	return math.Abs(cur-prev) > 1e-9
}

func (c *Core) runtimes() []*marketRuntime {
	var out []*marketRuntime
	if c.tx != nil {
		out = append(out, c.tx)
	}
	if c.btc != nil {
		out = append(out, c.btc)
	}
	return out
}

func (c *Core) spawn(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

func pipelineOf(rt *marketRuntime) *pipeline.Pipeline {
	if rt == nil {
		return nil
	}
	return rt.pipeline
}

func adapterOf(rt *marketRuntime) broker.Adapter {
	if rt == nil {
		return nil
	}
	return rt.adapter
}
