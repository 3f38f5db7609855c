package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/pkg/logger"
)

type flakyAdapter struct {
	mu          sync.Mutex
	probeRuns   []bool // consumed in order; last value repeats
	probeCalls  int
	loginErr    error
	loginCalls  int
	logoutCalls int
	sessionAt   time.Time
}

func (f *flakyAdapter) Market() domain.Market { return domain.MarketTX }

func (f *flakyAdapter) Probe(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if len(f.probeRuns) == 0 {
		return true
	}
	out := f.probeRuns[0]
	if len(f.probeRuns) > 1 {
		f.probeRuns = f.probeRuns[1:]
	}
	return out
}

func (f *flakyAdapter) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	return f.loginErr
}

func (f *flakyAdapter) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *flakyAdapter) SessionStartedAt() time.Time { return f.sessionAt }

func (f *flakyAdapter) ListContracts(context.Context, domain.Family) ([]domain.Contract, error) {
	return nil, nil
}
func (f *flakyAdapter) ListPositions(context.Context) ([]domain.Position, error) { return nil, nil }
func (f *flakyAdapter) AccountSnapshot(context.Context) (domain.AccountSnapshot, error) {
	return domain.AccountSnapshot{}, nil
}
func (f *flakyAdapter) PlaceOrder(context.Context, broker.OrderRequest) (string, error) {
	return "", nil
}
func (f *flakyAdapter) CancelOrder(context.Context, string) error { return nil }
func (f *flakyAdapter) QueryOrder(context.Context, string) (broker.OrderEvent, error) {
	return broker.OrderEvent{}, nil
}
func (f *flakyAdapter) SubscribeOrderEvents(broker.OrderEventHandler)  {}
func (f *flakyAdapter) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

type memoNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *memoNotifier) SendText(category, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, category)
}

func (n *memoNotifier) count(category string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if strings.HasPrefix(s, category) {
			c++
		}
	}
	return c
}

func newSupervisor(adapter *flakyAdapter, notif *memoNotifier) *Supervisor {
	log := logger.New(logger.Config{Level: "error"})
	s := New(Deps{
		Market:   domain.MarketTX,
		Adapter:  adapter,
		Notifier: notif,
		Events:   events.NewManager(log),
		Log:      log,
	})
	s.cycleWaitStep = time.Millisecond
	return s
}

func TestHealthyProbeNoNotifications(t *testing.T) {
	adapter := &flakyAdapter{probeRuns: []bool{true}}
	notif := &memoNotifier{}
	s := newSupervisor(adapter, notif)

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Empty(t, notif.sent)
	assert.Zero(t, adapter.loginCalls)
}

func TestReconnectEmitsSingleNotificationPair(t *testing.T) {
	// Probe fails twice, then the session heals. Exactly one lost and one
	// restored message regardless of how many retry attempts ran in between.
	adapter := &flakyAdapter{probeRuns: []bool{false, false, true}}
	notif := &memoNotifier{}
	s := newSupervisor(adapter, notif)
	adapter.loginErr = domain.ErrNetwork

	s.Tick(context.Background()) // probe fails, all reconnect attempts fail
	s.Tick(context.Background()) // probe fails again; no second lost message
	adapter.mu.Lock()
	adapter.loginErr = nil
	adapter.mu.Unlock()
	s.Tick(context.Background()) // probe succeeds

	assert.Equal(t, 1, notif.count("conn-lost"))
	assert.Equal(t, 1, notif.count("conn-restored"))
}

func TestReconnectCycleBoundedAttempts(t *testing.T) {
	adapter := &flakyAdapter{probeRuns: []bool{false}}
	notif := &memoNotifier{}
	s := newSupervisor(adapter, notif)
	adapter.loginErr = domain.ErrNetwork

	s.Tick(context.Background())

	assert.Equal(t, attemptsPerCycle, adapter.loginCalls)
	assert.Equal(t, attemptsPerCycle, adapter.logoutCalls)
}

func TestAuthFailureHaltsRetriesAcrossTicks(t *testing.T) {
	adapter := &flakyAdapter{probeRuns: []bool{false}}
	notif := &memoNotifier{}
	s := newSupervisor(adapter, notif)
	adapter.loginErr = domain.ErrAuthFailed

	// Known-bad credentials: the first tick tries once, later ticks must not
	// keep logging in or repeat the operator alert.
	s.Tick(context.Background())
	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Equal(t, 1, adapter.loginCalls)
	assert.Equal(t, 1, notif.count("conn-auth"))
}

func TestAuthHaltClearsWhenSessionRecovers(t *testing.T) {
	adapter := &flakyAdapter{probeRuns: []bool{false, true, false}}
	notif := &memoNotifier{}
	s := newSupervisor(adapter, notif)
	adapter.loginErr = domain.ErrAuthFailed

	s.Tick(context.Background()) // auth failure, halt latched

	adapter.mu.Lock()
	adapter.loginErr = nil
	adapter.mu.Unlock()
	s.Tick(context.Background()) // probe succeeds, halt cleared
	s.Tick(context.Background()) // next outage reconnects normally again

	assert.Equal(t, 2, adapter.loginCalls)
	assert.Equal(t, 1, notif.count("conn-auth"))
	assert.Equal(t, 2, notif.count("conn-restored"))
}

func TestProbeIntervalDynamic(t *testing.T) {
	adapter := &flakyAdapter{}
	s := newSupervisor(adapter, &memoNotifier{})

	assert.Equal(t, probeOpenInterval, s.probeInterval())
	s.reconnecting = true
	assert.Equal(t, probeRetryInterval, s.probeInterval())
}

type closedClock struct{}

func (closedClock) IsMarketOpen(time.Time) bool { return false }

func TestProbeIntervalClosedMarket(t *testing.T) {
	adapter := &flakyAdapter{}
	s := newSupervisor(adapter, &memoNotifier{})
	s.clock = closedClock{}

	assert.Equal(t, probeClosedInterval, s.probeInterval())
}

func TestScheduledReloginAfterSessionExpiry(t *testing.T) {
	adapter := &flakyAdapter{sessionAt: time.Now().Add(-13 * time.Hour)}
	notif := &memoNotifier{}
	log := logger.New(logger.Config{Level: "error"})
	s := New(Deps{
		Market:       domain.MarketTX,
		Adapter:      adapter,
		Notifier:     notif,
		Events:       events.NewManager(log),
		Log:          log,
		ForceRelogin: true,
	})

	// reloginPause is 1 s; bound the test regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Tick(ctx)

	assert.Equal(t, 1, adapter.logoutCalls)
	assert.Equal(t, 1, adapter.loginCalls)
}
