// Package supervisor keeps each broker session alive: a dynamic-interval
// probe loop, a bounded-per-cycle reconnect policy that cycles indefinitely,
// and the scheduled 12-hour forced re-login TX sessions require.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/metrics"
)

const (
	probeOpenInterval   = 60 * time.Second
	probeClosedInterval = 600 * time.Second
	probeRetryInterval  = 30 * time.Second

	// attemptsPerCycle bounds one reconnect burst; the loop itself never
	// gives up.
	attemptsPerCycle = 3

	sessionMaxAge    = 12 * time.Hour
	reloginPause     = 1 * time.Second
	reloginRetryWait = 30 * time.Second
)

// Notifier is the notification surface the supervisor needs.
type Notifier interface {
	SendText(category, text string)
}

// MarketClock reports whether the supervised market is currently open. BTC
// passes nil and is treated as always open.
type MarketClock interface {
	IsMarketOpen(now time.Time) bool
}

// Supervisor watches one adapter's session.
type Supervisor struct {
	market       domain.Market
	adapter      broker.Adapter
	clock        MarketClock
	notifier     Notifier
	events       *events.Manager
	log          zerolog.Logger
	now          func() time.Time
	forceRelogin bool // TX sessions expire; BTC signed sessions do not

	cycleWaitStep time.Duration // per-attempt backoff unit inside a cycle

	reconnecting bool
	authHalted   bool // login rejected for credentials; no automatic retry
}

// Deps wires a supervisor.
type Deps struct {
	Market       domain.Market
	Adapter      broker.Adapter
	Clock        MarketClock
	Notifier     Notifier
	Events       *events.Manager
	Log          zerolog.Logger
	ForceRelogin bool
	Now          func() time.Time
}

// New creates a supervisor.
func New(d Deps) *Supervisor {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Supervisor{
		market:       d.Market,
		adapter:      d.Adapter,
		clock:        d.Clock,
		notifier:     d.Notifier,
		events:       d.Events,
		log:          d.Log.With().Str("component", "supervisor").Str("market", string(d.Market)).Logger(),
		now:          d.Now,
		forceRelogin: d.ForceRelogin,

		cycleWaitStep: 2 * time.Second,
	}
}

// Run is the probe loop. Blocks until ctx is cancelled; the shutdown signal
// is honored at the next sleep boundary, never mid-attempt.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info().Msg("Connection supervisor started")
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Connection supervisor stopped")
			return
		case <-time.After(s.probeInterval()):
		}
	}
}

// Tick runs one supervision round: session-age check, probe, and a reconnect
// cycle when the probe fails.
func (s *Supervisor) Tick(ctx context.Context) {
	if s.forceRelogin && s.sessionExpired() {
		s.scheduledRelogin(ctx)
		return
	}

	if s.probe(ctx) {
		s.authHalted = false
		if s.reconnecting {
			s.restored()
		}
		metrics.ConnectionUp.WithLabelValues(string(s.market)).Set(1)
		return
	}

	metrics.ConnectionUp.WithLabelValues(string(s.market)).Set(0)
	if !s.reconnecting {
		s.reconnecting = true
		s.notifier.SendText("conn-lost", "🔌 <b>連線中斷</b>\n市場: "+string(s.market)+"\n正在嘗試重新連線")
		s.events.Emit(events.ConnectionLost, "supervisor", map[string]interface{}{"market": string(s.market)})
		s.log.Warn().Msg("Probe failed, entering reconnect")
	}

	// Bad credentials halt the retry machinery: repeating logins would only
	// lock the account. The probe keeps running and clears the halt once the
	// session works again (operator fixed the credentials or re-logged in).
	if s.authHalted {
		return
	}

	if s.reconnectCycle(ctx) {
		s.restored()
		metrics.ConnectionUp.WithLabelValues(string(s.market)).Set(1)
	}
}

func (s *Supervisor) restored() {
	s.reconnecting = false
	s.notifier.SendText("conn-restored", "✅ <b>連線恢復</b>\n市場: "+string(s.market))
	s.events.Emit(events.ConnectionRestored, "supervisor", map[string]interface{}{"market": string(s.market)})
	s.log.Info().Msg("Connection restored")
}

func (s *Supervisor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.adapter.Probe(probeCtx)
}

// reconnectCycle runs one bounded burst of logout/login attempts. The caller
// keeps ticking at the 30 s reconnect interval until a cycle succeeds.
func (s *Supervisor) reconnectCycle(ctx context.Context) bool {
	metrics.ReconnectsTotal.WithLabelValues(string(s.market)).Inc()
	for attempt := 1; attempt <= attemptsPerCycle; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		_ = s.adapter.Logout(ctx)
		if !sleepCtx(ctx, time.Duration(attempt)*s.cycleWaitStep) {
			return false
		}

		err := s.adapter.Login(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, domain.ErrAuthFailed) || errors.Is(err, domain.ErrCertificateInvalid) {
			// Bad credentials do not heal with retries; the operator has to
			// act. Latch the halt so later ticks stop hammering the login.
			s.authHalted = true
			s.notifier.SendText("conn-auth", "🚫 <b>登入失敗</b>\n市場: "+string(s.market)+"\n原因: 憑證或金鑰無效")
			s.log.Error().Err(err).Msg("Reconnect rejected by broker, retries halted")
			return false
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}
	return false
}

func (s *Supervisor) sessionExpired() bool {
	started := s.adapter.SessionStartedAt()
	return !started.IsZero() && s.now().Sub(started) >= sessionMaxAge
}

// scheduledRelogin handles the periodic forced re-login: logout, a short
// pause, then login retried until it succeeds.
func (s *Supervisor) scheduledRelogin(ctx context.Context) {
	// An operator-driven cycle gets a fresh chance after an auth halt.
	s.authHalted = false
	s.log.Info().Msg("Session age limit reached, forcing re-login")
	s.events.Emit(events.SessionRelogin, "supervisor", map[string]interface{}{"market": string(s.market)})

	_ = s.adapter.Logout(ctx)
	if !sleepCtx(ctx, reloginPause) {
		return
	}

	for {
		err := s.adapter.Login(ctx)
		if err == nil {
			s.log.Info().Msg("Scheduled re-login complete")
			metrics.ConnectionUp.WithLabelValues(string(s.market)).Set(1)
			return
		}
		s.log.Warn().Err(err).Msg("Scheduled re-login failed, will retry")
		if !sleepCtx(ctx, reloginRetryWait) {
			return
		}
	}
}

// probeInterval is dynamic: tight while reconnecting, relaxed when the market
// is closed.
func (s *Supervisor) probeInterval() time.Duration {
	if s.reconnecting {
		return probeRetryInterval
	}
	if s.clock != nil && !s.clock.IsMarketOpen(s.now()) {
		return probeClosedInterval
	}
	return probeOpenInterval
}

// sleepCtx sleeps unless ctx ends first. Reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
