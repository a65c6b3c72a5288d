// Package session drives the recovery loop: discovery, scheduling and
// transfer across a list of networks, repeated on an interval until stopped.
// Sessions are in-memory state owned by the Manager's registry; a janitor
// reclaims stale entries.
package session

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/discovery"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
	"github.com/dmtrko/chain-rescue/internal/executor"
	"github.com/dmtrko/chain-rescue/internal/schedule"
	"github.com/dmtrko/chain-rescue/internal/storage"
)

// State is a session's lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateExhausted State = "exhausted"
)

// NetworkOutcome is one network's result within one pass.
type NetworkOutcome struct {
	Network     chain.Network `json:"network"`
	Discovered  int           `json:"discovered"`
	Transferred int           `json:"transferred"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// Params configures one session.
type Params struct {
	Account     common.Address
	Destination common.Address
	Networks    []chain.Network
	Interval    time.Duration
	Directives  []schedule.Directive
	// MaxPasses bounds the loop; 0 means run until stopped.
	MaxPasses int

	CompromisedKey *ecdsa.PrivateKey
	RescuerKey     *ecdsa.PrivateKey
	SponsorKey     *ecdsa.PrivateKey
}

// Session is the in-memory state of one recovery loop.
type Session struct {
	ID     string
	params Params

	mu         sync.Mutex
	state      State
	netIndex   int
	passes     int
	startTime  time.Time
	lastRun    time.Time
	results    []NetworkOutcome
	attempts   int
	succeeded  int
	failed     int
	stopAsked  bool
	cancelWait context.CancelFunc
}

// Snapshot is the caller-facing view of a session.
type Snapshot struct {
	ID        string           `json:"id"`
	State     State            `json:"state"`
	Account   string           `json:"account"`
	Networks  []chain.Network  `json:"networks"`
	Passes    int              `json:"passes"`
	StartTime time.Time        `json:"start_time"`
	LastRun   time.Time        `json:"last_run,omitempty"`
	Attempts  int              `json:"attempts"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []NetworkOutcome `json:"results"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]NetworkOutcome, len(s.results))
	copy(results, s.results)
	return Snapshot{
		ID:        s.ID,
		State:     s.state,
		Account:   s.params.Account.Hex(),
		Networks:  s.params.Networks,
		Passes:    s.passes,
		StartTime: s.startTime,
		LastRun:   s.lastRun,
		Attempts:  s.attempts,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Results:   results,
	}
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAsked
}

const (
	janitorEvery      = time.Hour
	staleSessionAfter = 24 * time.Hour
)

// Manager owns the session registry and runs the loops.
type Manager struct {
	reg    *chain.Registry
	client func(chain.Network) (ethrpc.Client, error)
	disc   *discovery.Engine
	exec   *executor.Executor
	store  *storage.Store
	log    zerolog.Logger

	// inter-network spacing within one pass, overridable in tests
	interNetworkDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewManager(
	reg *chain.Registry,
	client func(chain.Network) (ethrpc.Client, error),
	disc *discovery.Engine,
	exec *executor.Executor,
	store *storage.Store,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		reg:               reg,
		client:            client,
		disc:              disc,
		exec:              exec,
		store:             store,
		log:               log.With().Str("component", "session").Logger(),
		interNetworkDelay: chain.InterNetworkDelay,
		sessions:          make(map[string]*Session),
		now:               time.Now,
	}
}

// Start registers a session and launches its loop.
func (m *Manager) Start(ctx context.Context, p Params) (Snapshot, error) {
	for _, n := range p.Networks {
		if _, err := m.reg.Get(n); err != nil {
			return Snapshot{}, err
		}
	}
	if p.Interval <= 0 {
		p.Interval = 5 * time.Minute
	}
	p.Directives = m.withStoredDirectives(ctx, p.Account, p.Directives)

	s := &Session{
		ID:        uuid.NewString(),
		params:    p,
		state:     StateRunning,
		startTime: m.now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.loop(ctx, s)
	m.log.Info().Str("session", s.ID).Str("account", p.Account.Hex()).Int("networks", len(p.Networks)).Msg("session started")
	return s.snapshot(), nil
}

// Stop asks a session to end. The in-flight network completes; the next one
// does not begin.
func (m *Manager) Stop(id string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	s.stopAsked = true
	if s.cancelWait != nil {
		s.cancelWait()
	}
	s.mu.Unlock()
	return s.snapshot(), true
}

// Status returns the current view of a session.
func (m *Manager) Status(id string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// loop runs passes until stop, exhaustion or context cancellation. The next
// pass starts interval minus the time already burned on inter-network
// delays after the previous one began.
func (m *Manager) loop(ctx context.Context, s *Session) {
	for {
		delays := m.RunOnePass(ctx, s)

		s.mu.Lock()
		s.passes++
		s.lastRun = m.now()
		exhausted := s.params.MaxPasses > 0 && s.passes >= s.params.MaxPasses
		stopped := s.stopAsked || ctx.Err() != nil
		switch {
		case stopped:
			s.state = StateStopped
		case exhausted:
			s.state = StateExhausted
		}
		s.mu.Unlock()
		if stopped || exhausted {
			m.log.Info().Str("session", s.ID).Str("state", string(m.stateOf(s))).Msg("session ended")
			return
		}

		wait := s.params.Interval - delays
		if wait < 0 {
			wait = 0
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		s.mu.Lock()
		s.cancelWait = cancel
		s.mu.Unlock()
		<-waitCtx.Done()
		cancel()
		if ctx.Err() != nil || s.stopRequested() {
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()
			return
		}
	}
}

func (m *Manager) stateOf(s *Session) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunOnePass sweeps every configured network once and returns the total
// inter-network delay spent. It is idempotent and safe to drive externally
// when the timer loop is not wanted.
func (m *Manager) RunOnePass(ctx context.Context, s *Session) time.Duration {
	var delays time.Duration
	for i, network := range s.params.Networks {
		if ctx.Err() != nil || s.stopRequested() {
			return delays
		}
		s.mu.Lock()
		s.netIndex = i
		s.mu.Unlock()

		outcome := m.processNetwork(ctx, s, network)

		s.mu.Lock()
		s.results = append(s.results, outcome)
		s.attempts += outcome.Transferred + outcome.Skipped + outcome.Failed
		s.succeeded += outcome.Transferred
		s.failed += outcome.Failed
		s.mu.Unlock()

		if i < len(s.params.Networks)-1 {
			select {
			case <-ctx.Done():
				return delays
			case <-time.After(m.interNetworkDelay):
				delays += m.interNetworkDelay
			}
		}
	}
	return delays
}

// processNetwork never lets an error escape: whatever goes wrong becomes a
// failure outcome and the session moves on.
func (m *Manager) processNetwork(ctx context.Context, s *Session, network chain.Network) (out NetworkOutcome) {
	out = NetworkOutcome{Network: network, At: m.now()}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("session", s.ID).Str("network", string(network)).Interface("panic", r).Msg("network pass panicked")
			out.Error = "internal error"
			out.Failed++
		}
	}()

	// Maximum-tier directives move first, before discovery spends time on
	// the long tail
	for _, d := range schedule.MaximumFor(s.params.Directives, network) {
		rec, ok := m.probeDirective(ctx, s, network, d)
		if !ok {
			continue
		}
		m.transferOne(ctx, s, network, rec, &out)
	}

	assets := m.disc.Discover(ctx, s.params.Account, network)
	out.Discovered = len(assets)

	for _, rec := range schedule.Order(assets, s.params.Directives) {
		if ctx.Err() != nil {
			out.Error = "cancelled"
			return out
		}
		if alreadyMoved(rec, s.params.Directives, network) {
			continue
		}
		m.transferOne(ctx, s, network, rec, &out)
	}
	return out
}

// withStoredDirectives appends the account's persisted directives to the
// request's own, skipping contracts the request already covers.
func (m *Manager) withStoredDirectives(ctx context.Context, account common.Address, directives []schedule.Directive) []schedule.Directive {
	rows, err := m.store.DirectivesFor(ctx, account.Hex())
	if err != nil {
		m.log.Warn().Err(err).Msg("stored directives not loaded")
		return directives
	}
	out := directives
	for _, row := range rows {
		tier, ok := schedule.ParseTier(row.Tier)
		if !ok || !common.IsHexAddress(row.Contract) {
			continue
		}
		d := schedule.Directive{
			Contract: common.HexToAddress(row.Contract),
			Network:  chain.Network(row.Network),
			Tier:     tier,
		}
		dup := false
		for _, have := range directives {
			if have.Contract == d.Contract && have.Network == d.Network {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out
}

// alreadyMoved filters assets the Maximum pre-pass already handled.
func alreadyMoved(rec asset.Record, directives []schedule.Directive, network chain.Network) bool {
	for _, d := range schedule.MaximumFor(directives, network) {
		if d.Contract == rec.Address {
			return true
		}
	}
	return false
}

// probeDirective builds a record for a Maximum directive straight from the
// chain, skipping discovery entirely.
func (m *Manager) probeDirective(ctx context.Context, s *Session, network chain.Network, d schedule.Directive) (asset.Record, bool) {
	ec, err := m.client(network)
	if err != nil {
		return asset.Record{}, false
	}
	ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &d.Contract, Data: evm.EncodeBalanceOf(s.params.Account)})
	if err != nil {
		return asset.Record{}, false
	}
	bal := evm.DecodeBig(ret)
	if bal.Sign() == 0 {
		return asset.Record{}, false
	}
	return asset.Record{
		Address: d.Contract,
		Kind:    asset.Fungible,
		Balance: bal,
		Source:  asset.SourceMulticall,
	}, true
}

func (m *Manager) transferOne(ctx context.Context, s *Session, network chain.Network, rec asset.Record, out *NetworkOutcome) {
	res := m.exec.Transfer(ctx, executor.Request{
		Network:        network,
		Asset:          rec,
		Destination:    s.params.Destination,
		CompromisedKey: s.params.CompromisedKey,
		RescuerKey:     s.params.RescuerKey,
		SponsorKey:     s.params.SponsorKey,
	})
	switch res.Status {
	case executor.StatusSuccess:
		out.Transferred++
	case executor.StatusSkipped:
		out.Skipped++
	case executor.StatusCancelled:
		out.Error = "cancelled"
	default:
		out.Failed++
	}
	m.record(ctx, s, network, rec, res)
}

func (m *Manager) record(ctx context.Context, s *Session, network chain.Network, rec asset.Record, res executor.Outcome) {
	amount := ""
	if res.Amount != nil {
		amount = res.Amount.String()
	}
	if err := m.store.Save(ctx, &storage.TransferResult{
		SessionID: s.ID,
		Network:   string(network),
		Account:   s.params.Account.Hex(),
		Asset:     rec.Address.Hex(),
		Kind:      rec.Kind.String(),
		Status:    string(res.Status),
		Detail:    res.Detail,
		TxHash:    res.TxHash.Hex(),
		Amount:    amount,
	}); err != nil {
		m.log.Warn().Err(err).Msg("result not persisted")
	}
}

// StartJanitor sweeps ended sessions older than the retention window. It
// blocks until ctx ends, so callers run it on its own goroutine.
func (m *Manager) StartJanitor(ctx context.Context) {
	t := time.NewTicker(janitorEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-staleSessionAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		ended := s.state == StateStopped || s.state == StateExhausted
		old := s.lastRun.Before(cutoff) && s.startTime.Before(cutoff)
		s.mu.Unlock()
		if ended && old {
			delete(m.sessions, id)
			m.log.Debug().Str("session", id).Msg("stale session reclaimed")
		}
	}
}
