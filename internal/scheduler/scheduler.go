// Package scheduler fires the gateway's wall-clock triggers. The daily
// trigger chain runs off a deterministic minute-tick loop guarded by per-day
// idempotence markers, so a skewed clock can delay a trigger but never double
// it. Coarse maintenance jobs (rollover refresh, journal retention) run on
// cron.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/pkg/timeutil"
)

// tickInterval is the minute-loop resolution. Two ticks per minute means a
// trigger is seen within 30 s of its wall-clock time.
const tickInterval = 30 * time.Second

// chainStep separates the stages of the end-of-day chains (stats, daily
// report, monthly report).
const chainStep = 30 * time.Second

// Calendar is the trading-day predicate the TX triggers are gated on.
type Calendar interface {
	IsTradingDay(d time.Time) (bool, error)
	IsMarketOpen(now time.Time) bool
}

// Hooks are the actions the scheduler fires. Nil hooks are skipped.
type Hooks struct {
	TXStartupNotice  func(ctx context.Context)
	BTCStartupNotice func(ctx context.Context)
	MarginCheck      func(ctx context.Context)

	BTCDailyStats    func(ctx context.Context)
	BTCDailyReport   func(ctx context.Context)
	BTCMonthlyReport func(ctx context.Context)

	TXDailyStats    func(ctx context.Context)
	TXDailyReport   func(ctx context.Context)
	TXMonthlyReport func(ctx context.Context)

	RolloverTick   func(ctx context.Context)
	RetentionSweep func(ctx context.Context)
}

type trigger struct {
	name   string
	hour   int
	minute int
	fire   func(ctx context.Context, now time.Time)
}

// Scheduler owns the trigger loop and the cron maintenance jobs.
type Scheduler struct {
	cal       Calendar
	hooks     Hooks
	log       zerolog.Logger
	now       func() time.Time
	chainStep time.Duration

	triggers []trigger
	mu       sync.Mutex
	fired    map[string]string // trigger name -> date already fired
	cron     *cron.Cron
}

// New creates a scheduler.
func New(cal Calendar, hooks Hooks, log zerolog.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		cal:       cal,
		hooks:     hooks,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       now,
		chainStep: chainStep,
		fired:     make(map[string]string),
	}
	s.triggers = []trigger{
		{"tx-startup", 8, 45, s.txStartup},
		{"btc-startup", 9, 0, s.btcStartup},
		{"margin-check", 14, 50, s.marginCheck},
		{"btc-eod", 23, 58, s.btcEndOfDay},
		{"tx-eod", 23, 59, s.txEndOfDay},
	}
	return s
}

// Run starts the cron jobs and blocks in the tick loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.startCron(ctx)
	defer s.cron.Stop()

	s.log.Info().Msg("Scheduler started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) startCron(ctx context.Context) {
	s.cron = cron.New()
	if s.hooks.RolloverTick != nil {
		_, _ = s.cron.AddFunc("5 0 * * *", func() { s.hooks.RolloverTick(ctx) })
	}
	if s.hooks.RetentionSweep != nil {
		_, _ = s.cron.AddFunc("10 0 * * *", func() { s.hooks.RetentionSweep(ctx) })
	}
	s.cron.Start()
}

// tick fires every due trigger at most once per day. A trigger is due during
// the minute it names and the minute after, which tolerates a tick landing
// just past the boundary.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	date := now.Format("2006-01-02")
	minuteOfDay := now.Hour()*60 + now.Minute()
	for _, t := range s.triggers {
		due := minuteOfDay == t.hour*60+t.minute || minuteOfDay == t.hour*60+t.minute+1
		if !due || !s.claim(t.name, date) {
			continue
		}
		s.log.Info().Str("trigger", t.name).Msg("Trigger fired")
		t.fire(ctx, now)
	}
}

// claim marks the trigger fired for date. Reports false when it already was.
func (s *Scheduler) claim(name, date string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[name] == date {
		return false
	}
	s.fired[name] = date
	return true
}

func (s *Scheduler) txStartup(ctx context.Context, now time.Time) {
	if !s.txTradingNow(now) {
		return
	}
	if s.hooks.TXStartupNotice != nil {
		s.hooks.TXStartupNotice(ctx)
	}
}

func (s *Scheduler) btcStartup(ctx context.Context, _ time.Time) {
	if s.hooks.BTCStartupNotice != nil {
		s.hooks.BTCStartupNotice(ctx)
	}
}

func (s *Scheduler) marginCheck(ctx context.Context, _ time.Time) {
	if s.hooks.MarginCheck != nil {
		s.hooks.MarginCheck(ctx)
	}
}

// btcEndOfDay runs stats, then the daily report, then on the calendar month's
// last day the monthly report, each a chain step apart.
func (s *Scheduler) btcEndOfDay(ctx context.Context, now time.Time) {
	if s.hooks.BTCDailyStats != nil {
		s.hooks.BTCDailyStats(ctx)
	}
	s.after(s.chainStep, func() {
		if s.hooks.BTCDailyReport != nil {
			s.hooks.BTCDailyReport(ctx)
		}
		if timeutil.LastDayOfMonth(now) {
			s.after(s.chainStep, func() {
				if s.hooks.BTCMonthlyReport != nil {
					s.hooks.BTCMonthlyReport(ctx)
				}
			})
		}
	})
}

// txEndOfDay is the TX chain, gated on the trading calendar. The monthly
// report fires on the month's last trading day.
func (s *Scheduler) txEndOfDay(ctx context.Context, now time.Time) {
	trading, err := s.cal.IsTradingDay(now)
	if err != nil || !trading {
		return
	}
	if s.hooks.TXDailyStats != nil {
		s.hooks.TXDailyStats(ctx)
	}
	monthly := s.isLastTradingDay(now)
	s.after(s.chainStep, func() {
		if s.hooks.TXDailyReport != nil {
			s.hooks.TXDailyReport(ctx)
		}
		if monthly {
			s.after(s.chainStep, func() {
				if s.hooks.TXMonthlyReport != nil {
					s.hooks.TXMonthlyReport(ctx)
				}
			})
		}
	})
}

func (s *Scheduler) txTradingNow(now time.Time) bool {
	trading, err := s.cal.IsTradingDay(now)
	return err == nil && trading && s.cal.IsMarketOpen(now)
}

// isLastTradingDay reports whether no later day of now's month is a trading
// day.
func (s *Scheduler) isLastTradingDay(now time.Time) bool {
	_, last := timeutil.MonthBounds(now)
	for d := last; d.Day() > now.Day(); d = d.AddDate(0, 0, -1) {
		trading, err := s.cal.IsTradingDay(d)
		if err == nil && trading {
			return false
		}
	}
	trading, err := s.cal.IsTradingDay(now)
	return err == nil && trading
}

// after runs f either inline (zero step, tests) or on a timer.
func (s *Scheduler) after(d time.Duration, f func()) {
	if d == 0 {
		f()
		return
	}
	time.AfterFunc(d, f)
}

// FiredToday reports whether the named trigger already ran on now's date.
// Exposed for the status endpoint.
func (s *Scheduler) FiredToday(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[name] == now.Format("2006-01-02")
}

// String lists the configured triggers, for the status endpoint.
func (s *Scheduler) String() string {
	out := ""
	for i, t := range s.triggers {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s@%02d:%02d", t.name, t.hour, t.minute)
	}
	return out
}
