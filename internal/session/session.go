// Package session owns one suggestion scheduler and overlay per chat.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"draftbot/internal/completion"
	"draftbot/internal/eventbus"
	"draftbot/internal/overlay"
	rtsup "draftbot/internal/runtime/supervisor"
	"draftbot/internal/storage"
	"draftbot/internal/suggest"
	kit "draftbot/internal/transport"
	logx "draftbot/pkg/logx"
)

const (
	DefaultIdleTTL         = 30 * time.Minute
	DefaultJanitorSchedule = "@every 5m"
)

type Config struct {
	Debounce       time.Duration
	Cooldown       time.Duration
	RequestTimeout time.Duration

	// DefaultEnabled applies to chats without a stored flag.
	DefaultEnabled bool

	// IdleTTL tears down sessions without input for this long. <0 disables expiry.
	IdleTTL         time.Duration
	JanitorSchedule string
}

func (c Config) normalize() Config {
	if c.IdleTTL == 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = DefaultJanitorSchedule
	}
	return c
}

// Completer is the per-user completion call.
type Completer = completion.UserCompleter

type Deps struct {
	Store     storage.Store
	Poster    overlay.Poster
	Completer Completer
	Bus       eventbus.Bus
	Log       logx.Logger
	// Clock defaults to the wall clock.
	Clock suggest.Clock
}

type Manager struct {
	store  storage.Store
	poster overlay.Poster
	comp   Completer
	bus    eventbus.Bus
	log    logx.Logger
	clock  suggest.Clock

	parser cron.Parser

	mu       sync.Mutex
	cfg      Config
	sessions map[int64]*Session
	sup      *rtsup.Supervisor
	cron     *cron.Cron
	cronID   cron.EntryID
	cronSpec string

	audit *auditor
}

type Session struct {
	ChatID int64

	sched  *suggest.Scheduler
	ov     *overlay.Overlay
	cancel context.CancelFunc
	done   chan struct{}

	userID   atomic.Int64
	lastSeen atomic.Int64 // unix nanos
	enabled  atomic.Bool
}

func New(cfg Config, d Deps) *Manager {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = suggest.RealClock{}
	}
	if d.Store == nil {
		d.Store = storage.NewMemory()
	}
	log := d.Log.With(logx.String("comp", "session"))
	return &Manager{
		store:    d.Store,
		poster:   d.Poster,
		comp:     d.Completer,
		bus:      d.Bus,
		log:      log,
		clock:    d.Clock,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg.normalize(),
		sessions: map[int64]*Session{},
		audit:    newAuditor(d.Store, log),
	}
}

// ValidateSchedule reports whether spec is a usable janitor schedule.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.sup.Go0("session.audit", m.audit.run)

	m.cron = cron.New(cron.WithParser(m.parser), cron.WithChain(cron.Recover(cronLogger{m.log})))
	if err := m.scheduleJanitorLocked(); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info("session manager started", logx.String("janitor", m.cronSpec), logx.Duration("idle_ttl", m.cfg.IdleTTL))
	return nil
}

// Stop ends every session and waits for their goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup, cr := m.sup, m.cron
	m.sup, m.cron = nil, nil
	sessions := m.sessions
	m.sessions = map[int64]*Session{}
	m.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	for _, s := range sessions {
		s.cancel()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Apply updates runtime settings. Scheduler timing applies to sessions created afterwards.
func (m *Manager) Apply(cfg Config) error {
	if err := ValidateSchedule(cfg.JanitorSchedule); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.normalize()
	if m.cron != nil && m.cronSpec != m.cfg.JanitorSchedule {
		return m.scheduleJanitorLocked()
	}
	return nil
}

func (m *Manager) scheduleJanitorLocked() error {
	if m.cronID != 0 {
		m.cron.Remove(m.cronID)
		m.cronID = 0
	}
	spec := m.cfg.JanitorSchedule
	id, err := m.cron.AddFunc(spec, func() { m.ExpireIdle(m.clock.Now()) })
	if err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	m.cronID = id
	m.cronSpec = spec
	return nil
}

// Enabled reports the stored flag for a chat, falling back to the default.
func (m *Manager) Enabled(ctx context.Context, chatID int64) (bool, error) {
	v, ok, err := storage.GetBool(ctx, m.store, storage.OverlayKey(chatID))
	if err != nil {
		return false, err
	}
	if !ok {
		m.mu.Lock()
		v = m.cfg.DefaultEnabled
		m.mu.Unlock()
	}
	return v, nil
}

// SetEnabled persists the flag and toggles the chat's live session.
func (m *Manager) SetEnabled(ctx context.Context, to kit.ChatTarget, userID int64, on bool) error {
	if err := storage.PutBool(ctx, m.store, storage.OverlayKey(to.ChatID), on); err != nil {
		return fmt.Errorf("persist overlay flag: %w", err)
	}
	m.publish(eventbus.TypeToggled, to.ChatID, on)
	m.log.Info("overlay toggled", logx.Int64("chat_id", to.ChatID), logx.Int64("user_id", userID), logx.Bool("enabled", on))

	if !on {
		m.mu.Lock()
		s := m.sessions[to.ChatID]
		m.mu.Unlock()
		if s != nil {
			m.toggle(s, false)
		}
		return nil
	}
	s, err := m.session(ctx, to, userID, false)
	if err != nil {
		return err
	}
	m.toggle(s, true)
	return nil
}

// OnText feeds a chat message or edit into the chat's scheduler.
func (m *Manager) OnText(ctx context.Context, to kit.ChatTarget, userID int64, text string) error {
	s, err := m.session(ctx, to, userID, true)
	if err != nil {
		return err
	}
	if !s.enabled.Load() {
		return nil
	}
	s.userID.Store(userID)
	s.lastSeen.Store(m.clock.Now().UnixNano())
	s.sched.OnTextChanged(text)
	return nil
}

// Status is nil when the chat has no live session.
func (m *Manager) Status(ctx context.Context, chatID int64) (*suggest.Snapshot, error) {
	m.mu.Lock()
	s := m.sessions[chatID]
	m.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	snap, err := s.sched.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// OverlayText is the chat's overlay text; ok is false when nothing is shown.
func (m *Manager) OverlayText(chatID int64) (string, bool) {
	m.mu.Lock()
	s := m.sessions[chatID]
	m.mu.Unlock()
	if s == nil {
		return "", false
	}
	return s.ov.LastText()
}

// Sessions is the number of live sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ExpireIdle ends sessions idle since before now-IdleTTL and returns how many.
func (m *Manager) ExpireIdle(now time.Time) int {
	m.mu.Lock()
	ttl := m.cfg.IdleTTL
	if ttl < 0 {
		m.mu.Unlock()
		return 0
	}
	cutoff := now.Add(-ttl).UnixNano()
	var expired []*Session
	for id, s := range m.sessions {
		if s.lastSeen.Load() < cutoff {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.end(s)
		m.publish(eventbus.TypeExpired, s.ChatID, nil)
	}
	if len(expired) > 0 {
		m.log.Info("idle sessions expired", logx.Int("count", len(expired)))
	}
	return len(expired)
}

// end stops the session and removes its overlay message.
func (m *Manager) end(s *Session) {
	ref, hasRef := s.ov.Ref()
	s.cancel()
	<-s.done
	if hasRef && m.poster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.poster.DeleteMessage(ctx, ref); err != nil {
			m.log.Debug("overlay cleanup failed", logx.Int64("chat_id", s.ChatID), logx.Err(err))
		}
	}
}

func (m *Manager) toggle(s *Session, on bool) {
	if s.enabled.Swap(on) == on {
		return
	}
	if on {
		s.lastSeen.Store(m.clock.Now().UnixNano())
		s.sched.Enable()
	} else {
		s.sched.Disable()
	}
}

var errNotStarted = errors.New("session manager not started")

// session returns the chat's session, creating it with the stored flag.
func (m *Manager) session(ctx context.Context, to kit.ChatTarget, userID int64, useFlag bool) (*Session, error) {
	m.mu.Lock()
	if s := m.sessions[to.ChatID]; s != nil {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	on := false
	if useFlag {
		var err error
		if on, err = m.Enabled(ctx, to.ChatID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[to.ChatID]; s != nil {
		return s, nil
	}
	if m.sup == nil {
		return nil, errNotStarted
	}
	s := m.newSessionLocked(to, userID)
	m.sessions[to.ChatID] = s
	if on {
		s.enabled.Store(true)
		s.sched.Enable()
	}
	return s, nil
}

func (m *Manager) newSessionLocked(to kit.ChatTarget, userID int64) *Session {
	cfg := m.cfg
	log := m.log.With(logx.Int64("chat_id", to.ChatID))

	s := &Session{ChatID: to.ChatID, done: make(chan struct{})}
	s.userID.Store(userID)
	s.lastSeen.Store(m.clock.Now().UnixNano())
	s.ov = overlay.New(to, m.poster, log)

	comp := completion.Autocompleter{Client: m.comp, UserID: s.userID.Load}

	s.sched = suggest.New(suggest.Config{
		Debounce:       cfg.Debounce,
		Cooldown:       cfg.Cooldown,
		RequestTimeout: cfg.RequestTimeout,
		Clock:          m.clock,
		Log:            log,
		Hooks:          m.hooks(s),
	}, comp, s.ov)

	ctx, cancel := context.WithCancel(m.sup.Context())
	s.cancel = cancel
	var wg sync.WaitGroup
	wg.Add(2)
	name := fmt.Sprintf("session.%d", to.ChatID)
	m.sup.Go(name+".scheduler", func(context.Context) error {
		defer wg.Done()
		return s.sched.Run(ctx)
	})
	m.sup.Go0(name+".overlay", func(context.Context) {
		defer wg.Done()
		s.ov.Run(ctx)
	})
	go func() {
		wg.Wait()
		close(s.done)
	}()

	log.Debug("session created")
	return s
}

func (m *Manager) hooks(s *Session) suggest.Hooks {
	return suggest.Hooks{
		OnDispatch: func(req suggest.Request) {
			m.publish(eventbus.TypeDispatched, s.ChatID, req)
		},
		OnComplete: func(req suggest.Request, res suggest.Result) {
			m.publish(eventbus.TypeCompleted, s.ChatID, res)
			m.audit.record(entryFor(s, req, res, false))
		},
		OnDiscard: func(req suggest.Request, res suggest.Result) {
			m.publish(eventbus.TypeDiscarded, s.ChatID, res)
			m.audit.record(entryFor(s, req, res, true))
		},
	}
}

func (m *Manager) publish(typ string, chatID int64, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clock.Now(), ChatID: chatID, Data: data})
}

// cronLogger routes cron panics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
