package suggest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type reply struct {
	text string
	err  error
}

type call struct {
	text  string
	reply chan reply
}

type fakeCompleter struct {
	calls chan *call
}

func (f *fakeCompleter) Complete(ctx context.Context, text string) (string, error) {
	c := &call{text: text, reply: make(chan reply, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type notice struct {
	kind string
	text string
}

type recSink struct {
	notices chan notice
}

func (s *recSink) ShowDefault()        { s.notices <- notice{kind: "default"} }
func (s *recSink) ShowLoading()        { s.notices <- notice{kind: "loading"} }
func (s *recSink) ShowResult(t string) { s.notices <- notice{kind: "result", text: t} }
func (s *recSink) ShowError(m string)  { s.notices <- notice{kind: "error", text: m} }
func (s *recSink) Clear()              { s.notices <- notice{kind: "clear"} }

type harness struct {
	t        *testing.T
	clk      *ManualClock
	s        *Scheduler
	svc      *fakeCompleter
	sink     *recSink
	dispatch chan Request
	discard  chan Result
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clk:      NewManualClock(t0),
		svc:      &fakeCompleter{calls: make(chan *call, 64)},
		sink:     &recSink{notices: make(chan notice, 256)},
		dispatch: make(chan Request, 64),
		discard:  make(chan Result, 64),
	}
	cfg.Clock = h.clk
	cfg.Hooks.OnDispatch = func(r Request) { h.dispatch <- r }
	cfg.Hooks.OnDiscard = func(_ Request, res Result) { h.discard <- res }
	n := 0
	cfg.NewRequestID = func() string { n++; return fmt.Sprintf("req-%d", n) }
	h.s = New(cfg, h.svc, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})

	h.s.Enable()
	h.expectNotice("default", "")
	return h
}

func (h *harness) snap() Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := h.s.Snapshot(ctx)
	require.NoError(h.t, err)
	return s
}

// advance moves the clock in 10ms steps so every handler runs before the next step.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	const step = 10 * time.Millisecond
	for d > 0 {
		n := step
		if d < step {
			n = d
		}
		h.clk.Advance(n)
		h.snap()
		d -= n
	}
}

// advanceTo moves the clock to t0+at.
func (h *harness) advanceTo(at time.Duration) {
	h.t.Helper()
	h.advance(t0.Add(at).Sub(h.clk.Now()))
}

func (h *harness) typeText(text string) {
	h.t.Helper()
	h.s.OnTextChanged(text)
	h.snap()
}

func (h *harness) expectNotice(kind, text string) {
	h.t.Helper()
	select {
	case n := <-h.sink.notices:
		require.Equal(h.t, notice{kind: kind, text: text}, n)
	case <-time.After(waitFor):
		h.t.Fatalf("no %s notice", kind)
	}
}

func (h *harness) noNotice() {
	h.t.Helper()
	h.snap()
	select {
	case n := <-h.sink.notices:
		h.t.Fatalf("unexpected notice %+v", n)
	default:
	}
}

func (h *harness) expectDispatch(text string, at time.Duration) *call {
	h.t.Helper()
	select {
	case r := <-h.dispatch:
		require.Equal(h.t, text, r.Text)
		require.Equal(h.t, at, r.StartedAt.Sub(t0), "dispatch time")
	case <-time.After(waitFor):
		h.t.Fatalf("no dispatch of %q", text)
	}
	h.expectNotice("loading", "")
	select {
	case c := <-h.svc.calls:
		require.Equal(h.t, text, c.text)
		return c
	case <-time.After(waitFor):
		h.t.Fatalf("completer not called for %q", text)
		return nil
	}
}

func (h *harness) complete(c *call, text string, err error) {
	h.t.Helper()
	c.reply <- reply{text: text, err: err}
	if err != nil {
		h.expectNotice("error", ErrorMessage(err))
	} else {
		h.expectNotice("result", text)
	}
	h.snap()
}

func TestDebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("h")
	h.advanceTo(100 * time.Millisecond)
	h.typeText("he")
	h.advanceTo(200 * time.Millisecond)
	h.typeText("hel")

	h.advanceTo(690 * time.Millisecond)
	s := h.snap()
	assert.Equal(t, StateDebouncing, s.State)
	assert.Zero(t, s.Dispatches)

	h.advanceTo(700 * time.Millisecond)
	c := h.expectDispatch("hel", 700*time.Millisecond)
	assert.Equal(t, StateInFlight, h.snap().State)
	h.complete(c, "hello there", nil)

	s = h.snap()
	assert.Equal(t, StateIdle, s.State)
	assert.EqualValues(t, 1, s.Dispatches)
	assert.Zero(t, h.clk.Pending())
}

func TestCooldownHoldsNewestText(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	h.complete(h.expectDispatch("a", 500*time.Millisecond), "A", nil)

	h.advanceTo(600 * time.Millisecond)
	h.typeText("ab")
	h.advanceTo(1100 * time.Millisecond)
	s := h.snap()
	assert.Equal(t, StateCooldown, s.State)
	assert.Equal(t, "ab", s.Pending)
	assert.Equal(t, t0.Add(2500*time.Millisecond), s.WakeAt)

	h.advanceTo(1500 * time.Millisecond)
	h.typeText("abc")
	h.advanceTo(2000 * time.Millisecond)
	s = h.snap()
	assert.Equal(t, "abc", s.Pending)
	assert.Equal(t, t0.Add(2500*time.Millisecond), s.WakeAt, "wake timer must not be re-armed")
	assert.Equal(t, 1, h.clk.Pending())

	h.advanceTo(2490 * time.Millisecond)
	assert.EqualValues(t, 1, h.snap().Dispatches)

	h.advanceTo(2500 * time.Millisecond)
	h.complete(h.expectDispatch("abc", 2500*time.Millisecond), "ABC", nil)
	s = h.snap()
	assert.EqualValues(t, 2, s.Dispatches)
	assert.Empty(t, s.Pending)
	assert.Equal(t, StateIdle, s.State)
}

func TestSingleRequestInFlight(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	c := h.expectDispatch("a", 500*time.Millisecond)

	h.advanceTo(600 * time.Millisecond)
	h.typeText("ab")
	h.advanceTo(4 * time.Second)

	s := h.snap()
	assert.Equal(t, StateInFlight, s.State)
	assert.Equal(t, "ab", s.Pending)
	assert.Equal(t, "a", s.InFlightText)
	assert.EqualValues(t, 1, s.Dispatches)

	// cooldown already elapsed: the held text goes out right away
	h.complete(c, "A", nil)
	h.advance(10 * time.Millisecond)
	h.complete(h.expectDispatch("ab", 4*time.Second), "AB", nil)
}

func TestCompletionArmsRemainingCooldown(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	c := h.expectDispatch("a", 500*time.Millisecond)

	h.advanceTo(600 * time.Millisecond)
	h.typeText("ab")
	h.advanceTo(1200 * time.Millisecond)
	h.complete(c, "A", nil)

	s := h.snap()
	assert.Equal(t, StateCooldown, s.State)
	assert.Equal(t, t0.Add(2500*time.Millisecond), s.WakeAt)
	assert.Equal(t, 1, h.clk.Pending())

	h.advanceTo(1300 * time.Millisecond)
	h.typeText("abc")
	h.advanceTo(1800 * time.Millisecond)
	assert.Equal(t, "abc", h.snap().Pending)
	assert.Equal(t, 1, h.clk.Pending(), "completion and cooldown paths share one timer")

	h.advanceTo(2500 * time.Millisecond)
	h.complete(h.expectDispatch("abc", 2500*time.Millisecond), "ABC", nil)
}

type userErr struct{}

func (userErr) Error() string       { return "api: status 401: invalid key" }
func (userErr) UserMessage() string { return "API key rejected" }

func TestErrorKeepsSchedulerUsable(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	h.complete(h.expectDispatch("a", 500*time.Millisecond), "", errors.New("boom"))
	assert.Equal(t, StateIdle, h.snap().State)

	h.advanceTo(3 * time.Second)
	h.typeText("b")
	h.advanceTo(3500 * time.Millisecond)
	c := h.expectDispatch("b", 3500*time.Millisecond)
	c.reply <- reply{err: fmt.Errorf("wrapped: %w", userErr{})}
	h.expectNotice("error", "API key rejected")
}

func TestRequestTimeout(t *testing.T) {
	h := newHarness(t, Config{RequestTimeout: 20 * time.Millisecond})

	h.typeText("slow")
	h.advanceTo(500 * time.Millisecond)
	h.expectDispatch("slow", 500*time.Millisecond)
	h.expectNotice("error", "request timed out")
	assert.False(t, h.snap().InFlight)
}

func TestEmptyTextShowsDefault(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("   ")
	h.expectNotice("default", "")
	h.advanceTo(2 * time.Second)
	s := h.snap()
	assert.Zero(t, s.Dispatches)
	assert.Equal(t, StateIdle, s.State)
	assert.Zero(t, h.clk.Pending())
	h.noNotice()
}

func TestEmptyTextKeepsDebouncingText(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("hello")
	h.advanceTo(100 * time.Millisecond)
	h.typeText("")
	h.expectNotice("default", "")
	assert.Equal(t, StateDebouncing, h.snap().State)

	h.advanceTo(500 * time.Millisecond)
	h.complete(h.expectDispatch("hello", 500*time.Millisecond), "hello there", nil)
	assert.EqualValues(t, 1, h.snap().Dispatches)
}

func TestEmptyTextKeepsHeldText(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	h.complete(h.expectDispatch("a", 500*time.Millisecond), "A", nil)

	h.advanceTo(600 * time.Millisecond)
	h.typeText("ab")
	h.advanceTo(1100 * time.Millisecond)
	assert.Equal(t, "ab", h.snap().Pending)

	h.advanceTo(1200 * time.Millisecond)
	h.typeText("")
	h.expectNotice("default", "")
	s := h.snap()
	assert.Equal(t, "ab", s.Pending)
	assert.Equal(t, StateCooldown, s.State)
	assert.Equal(t, t0.Add(2500*time.Millisecond), s.WakeAt)

	h.advanceTo(2500 * time.Millisecond)
	h.complete(h.expectDispatch("ab", 2500*time.Millisecond), "AB", nil)
	s = h.snap()
	assert.EqualValues(t, 2, s.Dispatches)
	assert.Empty(t, s.Pending)
	h.noNotice()
}

func TestNoSuggestionIsSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.typeText("x")
	h.advanceTo(500 * time.Millisecond)
	h.complete(h.expectDispatch("x", 500*time.Millisecond), "", nil)
}

func TestDisableDropsLateResult(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	c := h.expectDispatch("a", 500*time.Millisecond)
	h.typeText("ab")

	h.s.Disable()
	h.expectNotice("clear", "")
	s := h.snap()
	assert.Equal(t, StateDisabled, s.State)
	assert.False(t, s.InFlight)
	assert.Empty(t, s.Pending)
	assert.Zero(t, h.clk.Pending())

	c.reply <- reply{text: "late"}
	select {
	case res := <-h.discard:
		assert.Equal(t, "late", res.Text)
	case <-time.After(waitFor):
		t.Fatal("late result was not discarded")
	}
	h.noNotice()

	h.typeText("ignored")
	h.advanceTo(5 * time.Second)
	assert.EqualValues(t, 0, h.snap().Dispatches)
	h.noNotice()
}

func TestReenableStartsFreshSession(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(500 * time.Millisecond)
	old := h.expectDispatch("a", 500*time.Millisecond)

	h.s.Disable()
	h.expectNotice("clear", "")
	h.s.Enable()
	h.expectNotice("default", "")

	// no cooldown or in-flight state carried over
	h.advanceTo(600 * time.Millisecond)
	h.typeText("b")
	h.advanceTo(1100 * time.Millisecond)
	cur := h.expectDispatch("b", 1100*time.Millisecond)

	old.reply <- reply{text: "stale"}
	select {
	case res := <-h.discard:
		assert.Equal(t, "stale", res.Text)
	case <-time.After(waitFor):
		t.Fatal("stale result was not discarded")
	}
	assert.True(t, h.snap().InFlight)

	h.complete(cur, "B", nil)
}

func TestStaleDebounceIgnoredAfterDisable(t *testing.T) {
	h := newHarness(t, Config{})

	h.typeText("a")
	h.advanceTo(300 * time.Millisecond)
	h.s.Disable()
	h.expectNotice("clear", "")
	h.s.Enable()
	h.expectNotice("default", "")

	h.advanceTo(2 * time.Second)
	assert.Zero(t, h.snap().Dispatches)
	h.noNotice()
}

func TestCooldownSpacingUnderContinuousTyping(t *testing.T) {
	h := newHarness(t, Config{Debounce: 50 * time.Millisecond, Cooldown: 300 * time.Millisecond})

	var sent []Request
	text := ""
	drain := func() {
		for {
			select {
			case c := <-h.svc.calls:
				c.reply <- reply{text: c.text + "!"}
			case r := <-h.dispatch:
				sent = append(sent, r)
			default:
				return
			}
		}
	}

	for i := 0; i < 60; i++ {
		text += "x"
		h.typeText(text)
		h.advance(60 * time.Millisecond)
		drain()
	}

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		h.advance(50 * time.Millisecond)
		drain()
		s := h.snap()
		if s.State == StateIdle && s.Pending == "" && len(sent) > 0 && s.Dispatches == uint64(len(sent)) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s := h.snap()
	require.Equal(t, StateIdle, s.State)
	require.GreaterOrEqual(t, len(sent), 2)
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].StartedAt.Sub(sent[i-1].StartedAt), 300*time.Millisecond, "dispatch %d", i)
	}
	assert.Equal(t, text, sent[len(sent)-1].Text, "newest text is always sent last")
	assert.Empty(t, s.Pending)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("boom"), "boom"},
		{errors.New("  "), "request failed"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "request timed out"},
		{userErr{}, "API key rejected"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorMessage(tc.err))
	}
}
