package suggest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "draftbot/pkg/logx"
)

type Config struct {
	Debounce time.Duration
	Cooldown time.Duration
	// RequestTimeout bounds a single Complete call. 0 means no timeout.
	RequestTimeout time.Duration

	Clock Clock
	Log   logx.Logger
	Hooks Hooks

	// NewRequestID defaults to uuid.NewString.
	NewRequestID func() string
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	} else if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.NewRequestID == nil {
		c.NewRequestID = uuid.NewString
	}
	return c
}

type Scheduler struct {
	cfg  Config
	svc  Completer
	sink Sink

	events chan event
	done   chan struct{}

	runOnce sync.Once
	ctx     context.Context

	st state
}

// state is owned by the Run goroutine.
type state struct {
	active     bool
	generation uint64

	dispatched   bool
	lastDispatch time.Time
	dispatches   uint64
	inFlight     *Request

	pending string

	debounceText string
	debounce     Timer
	debounceSeq  uint64

	wake    Timer
	wakeAt  time.Time
	wakeSeq uint64
}

type eventKind int

const (
	evEnable eventKind = iota
	evDisable
	evText
	evDebounceFired
	evWakeFired
	evCompleted
	evSnapshot
)

type event struct {
	kind eventKind
	at   time.Time

	text string
	seq  uint64
	gen  uint64

	req *Request
	res Result

	reply chan Snapshot
}

// New creates a disabled scheduler. Call Run to start its goroutine, then Enable.
func New(cfg Config, svc Completer, sink Sink) *Scheduler {
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		svc:    svc,
		sink:   sink,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run processes events until ctx is done. In-flight requests inherit ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("suggest: scheduler already running")
	}
	s.ctx = ctx
	defer close(s.done)
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Enable starts (or restarts) a fresh session.
func (s *Scheduler) Enable() { s.post(event{kind: evEnable, at: s.cfg.Clock.Now()}) }

// Disable stops scheduling and clears the sink. A request already in flight
// keeps running but its result is ignored.
func (s *Scheduler) Disable() { s.post(event{kind: evDisable, at: s.cfg.Clock.Now()}) }

// OnTextChanged feeds the latest observed text. Whitespace-only text means "cleared".
func (s *Scheduler) OnTextChanged(text string) {
	s.post(event{kind: evText, at: s.cfg.Clock.Now(), text: text})
}

// Snapshot returns the state after every previously posted event was handled.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.events <- event{kind: evSnapshot, reply: reply}:
	case <-s.done:
		return Snapshot{}, errors.New("suggest: scheduler stopped")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, errors.New("suggest: scheduler stopped")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Scheduler) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Scheduler) handle(ev event) {
	switch ev.kind {
	case evSnapshot:
		ev.reply <- s.snapshot()
	case evEnable:
		s.enable()
	case evDisable:
		s.disable()
	case evText:
		s.onText(ev.at, ev.text)
	case evDebounceFired:
		if !s.st.active || ev.seq != s.st.debounceSeq || s.st.debounce == nil {
			return
		}
		s.st.debounce = nil
		s.attempt(ev.at, s.st.debounceText)
	case evWakeFired:
		if !s.st.active || ev.seq != s.st.wakeSeq || s.st.wake == nil {
			return
		}
		s.st.wake = nil
		s.st.wakeAt = time.Time{}
		if s.st.pending != "" {
			s.attempt(ev.at, s.st.pending)
		}
	case evCompleted:
		s.onCompleted(ev)
	}
}

func (s *Scheduler) enable() {
	s.stopTimers()
	gen := s.st.generation + 1
	s.st = state{active: true, generation: gen}
	s.cfg.Log.Debug("scheduler enabled", logx.Uint64("generation", gen))
	s.sink.ShowDefault()
}

func (s *Scheduler) disable() {
	s.stopTimers()
	gen := s.st.generation + 1
	if s.st.inFlight != nil {
		s.cfg.Log.Debug("disabled with request in flight; result will be dropped", logx.String("req_id", s.st.inFlight.ID))
	}
	s.st = state{generation: gen}
	s.sink.Clear()
}

func (s *Scheduler) onText(at time.Time, text string) {
	if !s.st.active {
		return
	}
	// Empty text resets the overlay only; settled and debouncing text still go out.
	if strings.TrimSpace(text) == "" {
		s.sink.ShowDefault()
		return
	}

	s.stopDebounce()
	s.st.debounceText = text
	s.st.debounceSeq++
	seq := s.st.debounceSeq
	s.st.debounce = s.arm(at.Add(s.cfg.Debounce), func(fired time.Time) event {
		return event{kind: evDebounceFired, at: fired, seq: seq}
	})
}

// attempt is the dispatch stage for a settled text.
func (s *Scheduler) attempt(now time.Time, text string) {
	s.st.pending = ""

	if s.st.inFlight != nil {
		s.st.pending = text
		return
	}

	if s.st.dispatched {
		next := s.st.lastDispatch.Add(s.cfg.Cooldown)
		if now.Before(next) {
			s.st.pending = text
			if s.st.wake == nil {
				s.armWake(next)
			}
			return
		}
	}

	s.dispatch(now, text)
}

func (s *Scheduler) dispatch(now time.Time, text string) {
	s.stopWake()

	req := Request{ID: s.cfg.NewRequestID(), Text: text, StartedAt: now}
	s.st.inFlight = &req
	s.st.dispatched = true
	s.st.lastDispatch = now
	s.st.dispatches++

	s.sink.ShowLoading()
	if s.cfg.Hooks.OnDispatch != nil {
		s.cfg.Hooks.OnDispatch(req)
	}
	s.cfg.Log.Debug("dispatching", logx.String("req_id", req.ID), logx.Int("chars", len(text)))

	gen := s.st.generation
	ctx := s.ctx
	go s.call(ctx, gen, req)
}

func (s *Scheduler) call(ctx context.Context, gen uint64, req Request) {
	cctx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	var (
		text string
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("completion panicked")
				s.cfg.Log.Error("completion panicked", logx.String("req_id", req.ID), logx.Any("panic", r))
			}
		}()
		text, err = s.svc.Complete(cctx, req.Text)
	}()

	at := s.cfg.Clock.Now()
	s.post(event{kind: evCompleted, at: at, gen: gen, req: &req, res: Result{Text: text, Err: err, Took: at.Sub(req.StartedAt)}})
}

func (s *Scheduler) onCompleted(ev event) {
	cur := s.st.inFlight
	if !s.st.active || ev.gen != s.st.generation || cur == nil || cur.ID != ev.req.ID {
		if s.cfg.Hooks.OnDiscard != nil {
			s.cfg.Hooks.OnDiscard(*ev.req, ev.res)
		}
		return
	}
	s.st.inFlight = nil

	if ev.res.Err != nil {
		s.cfg.Log.Debug("completion failed", logx.String("req_id", cur.ID), logx.Err(ev.res.Err))
		s.sink.ShowError(ErrorMessage(ev.res.Err))
	} else {
		s.sink.ShowResult(ev.res.Text)
	}
	if s.cfg.Hooks.OnComplete != nil {
		s.cfg.Hooks.OnComplete(*cur, ev.res)
	}

	if s.st.pending != "" {
		// next eligible slot; fires immediately when the cooldown already elapsed
		s.armWake(s.st.lastDispatch.Add(s.cfg.Cooldown))
	}
}

// arm schedules mk's event at deadline, measured against the event clock.
func (s *Scheduler) arm(deadline time.Time, mk func(fired time.Time) event) Timer {
	d := deadline.Sub(s.cfg.Clock.Now())
	if d < 0 {
		d = 0
	}
	return s.cfg.Clock.AfterFunc(d, func() {
		s.post(mk(s.cfg.Clock.Now()))
	})
}

func (s *Scheduler) armWake(at time.Time) {
	s.stopWake()
	s.st.wakeSeq++
	seq := s.st.wakeSeq
	s.st.wakeAt = at
	s.st.wake = s.arm(at, func(fired time.Time) event {
		return event{kind: evWakeFired, at: fired, seq: seq}
	})
}

func (s *Scheduler) stopDebounce() {
	if s.st.debounce != nil {
		s.st.debounce.Stop()
		s.st.debounce = nil
	}
}

func (s *Scheduler) stopWake() {
	if s.st.wake != nil {
		s.st.wake.Stop()
		s.st.wake = nil
	}
	s.st.wakeAt = time.Time{}
}

func (s *Scheduler) stopTimers() {
	s.stopDebounce()
	s.stopWake()
}

func (s *Scheduler) snapshot() Snapshot {
	snap := Snapshot{
		Active:       s.st.active,
		Pending:      s.st.pending,
		InFlight:     s.st.inFlight != nil,
		Debouncing:   s.st.debounce != nil,
		WakeAt:       s.st.wakeAt,
		LastDispatch: s.st.lastDispatch,
		Dispatches:   s.st.dispatches,
	}
	if s.st.inFlight != nil {
		snap.InFlightText = s.st.inFlight.Text
	}
	switch {
	case !s.st.active:
		snap.State = StateDisabled
	case s.st.inFlight != nil:
		snap.State = StateInFlight
	case s.st.wake != nil:
		snap.State = StateCooldown
	case s.st.debounce != nil:
		snap.State = StateDebouncing
	default:
		snap.State = StateIdle
	}
	return snap
}

// ErrorMessage renders err for display.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var um UserMessager
	if errors.As(err, &um) {
		if msg := strings.TrimSpace(um.UserMessage()); msg != "" {
			return msg
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "request failed"
}
