package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftbot/internal/completion"
	"draftbot/internal/credential"
	"draftbot/internal/overlay"
	"draftbot/internal/suggest"
	kit "draftbot/internal/transport"
	logx "draftbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	deleted  []int
	answered []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref.MessageID)
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = append(a.answered, id)
	return nil
}

func (a *fakeAdapter) answeredIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.answered...)
}

func (a *fakeAdapter) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type fakeSessions struct {
	mu      sync.Mutex
	texts   []string
	enabled map[int64]bool
	overlay string
	shown   bool
	snap    *suggest.Snapshot
}

func (s *fakeSessions) OnText(_ context.Context, _ kit.ChatTarget, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSessions) SetEnabled(_ context.Context, to kit.ChatTarget, _ int64, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == nil {
		s.enabled = map[int64]bool{}
	}
	s.enabled[to.ChatID] = on
	return nil
}

func (s *fakeSessions) Enabled(_ context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[chatID], nil
}

func (s *fakeSessions) Status(context.Context, int64) (*suggest.Snapshot, error) { return s.snap, nil }

func (s *fakeSessions) OverlayText(int64) (string, bool) { return s.overlay, s.shown }

func (s *fakeSessions) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeRewriter struct {
	err error
}

func (f fakeRewriter) Rewrite(_ context.Context, _ int64, tone completion.Tone, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return string(tone) + ":" + text, nil
}

type fakeKeys struct {
	mu     sync.Mutex
	keys   map[int64]string
	ringOn bool
	ring   string
}

func (k *fakeKeys) SaveToKeyring(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.ringOn {
		return credential.ErrKeyringDisabled
	}
	k.ring = key
	return nil
}

func (k *fakeKeys) SetUserKey(_ context.Context, userID int64, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = map[int64]string{}
	}
	if key == "" {
		delete(k.keys, userID)
	} else {
		k.keys[userID] = key
	}
	return nil
}

func (k *fakeKeys) Resolve(_ context.Context, userID int64) (string, credential.Source, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok := k.keys[userID]; ok {
		return v, credential.SourceUser, nil
	}
	return "", credential.SourceNone, nil
}

type rig struct {
	ad      *fakeAdapter
	sess    *fakeSessions
	keys    *fakeKeys
	updates chan kit.Update
}

func newRig(t *testing.T, owners []int64, rw Rewriter) *rig {
	t.Helper()
	r := &rig{ad: &fakeAdapter{}, sess: &fakeSessions{}, keys: &fakeKeys{}, updates: make(chan kit.Update, 16)}
	h := &Handlers{Sessions: r.sess, Rewriter: rw, Keys: r.keys}
	router := NewRouter(logx.Nop(), r.ad, h.OnText, owners)
	router.Register(h.Commands(), h.Callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = router.Run(ctx, r.updates); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return r
}

func msg(kind kit.UpdateKind, from int64, text string) kit.Update {
	return kit.Update{Kind: kind, Message: &kit.Message{ID: 55, ChatID: 1, FromID: from, Text: text}}
}

func (r *rig) waitSent(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.ad.messages()) >= n }, 2*time.Second, 2*time.Millisecond)
	return r.ad.messages()
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, word, rest string
		ok             bool
	}{
		{"/formal hello  there", "formal", "hello  there", true},
		{"/Copy@draft_bot", "copy", "", true},
		{"/casual\nline one\nline two", "casual", "line one\nline two", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		w, rest, ok := parseCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.word, w, tc.in)
		assert.Equal(t, tc.rest, rest, tc.in)
	}
}

func TestTextAndEditsReachSessions(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})
	r.updates <- msg(kit.UpdateMessage, 7, "see you")
	r.updates <- msg(kit.UpdateEdited, 7, "see you tom")
	r.updates <- msg(kit.UpdateEdited, 7, "/formal edited command")

	require.Eventually(t, func() bool { return len(r.sess.received()) == 2 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"see you", "see you tom"}, r.sess.received())
}

func TestOwnersRestrictAccess(t *testing.T) {
	t.Parallel()
	r := newRig(t, []int64{7}, fakeRewriter{})

	r.updates <- msg(kit.UpdateMessage, 9, "stranger typing")
	r.updates <- msg(kit.UpdateCommand, 9, "/on")
	out := r.waitSent(t, 1)
	assert.Equal(t, "unauthorized", out[0])
	assert.Empty(t, r.sess.received())

	r.updates <- msg(kit.UpdateCommand, 7, "/on")
	out = r.waitSent(t, 2)
	assert.Equal(t, "Live suggestions on.", out[1])
	on, _ := r.sess.Enabled(context.Background(), 1)
	assert.True(t, on)
}

func TestRewriteCommands(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})

	r.updates <- msg(kit.UpdateCommand, 7, "/formal hey dude")
	out := r.waitSent(t, 1)
	assert.Equal(t, "formal:hey dude", out[0])

	up := msg(kit.UpdateCommand, 7, "/casual")
	up.Message.ReplyText = "Dear sir"
	r.updates <- up
	out = r.waitSent(t, 2)
	assert.Equal(t, "casual:Dear sir", out[1])

	r.updates <- msg(kit.UpdateCommand, 7, "/casual")
	out = r.waitSent(t, 3)
	assert.Equal(t, "Nothing to make casual...", out[2])
}

func TestRewriteErrorMessage(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{err: completion.ErrMissingCredential})
	r.updates <- msg(kit.UpdateCommand, 7, "/formal hi")
	out := r.waitSent(t, 1)
	assert.Equal(t, "Error formalizing text: API key not found", out[0])
}

func TestCopy(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})

	r.updates <- msg(kit.UpdateCommand, 7, "/copy")
	out := r.waitSent(t, 1)
	assert.Equal(t, "No overlay to copy", out[0])

	r.sess.mu.Lock()
	r.sess.overlay, r.sess.shown = "see you tomorrow!", true
	r.sess.mu.Unlock()
	r.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 1, FromID: 7, Data: overlay.ActionCopy}}
	out = r.waitSent(t, 2)
	assert.Equal(t, "see you tomorrow!", out[1])
	require.Eventually(t, func() bool {
		r.ad.mu.Lock()
		defer r.ad.mu.Unlock()
		return len(r.ad.answered) == 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestOverlayButtons(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})

	r.updates <- msg(kit.UpdateCommand, 7, "/on")
	out := r.waitSent(t, 1)
	assert.Equal(t, "Live suggestions on.", out[0])

	r.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb-off", ChatID: 1, FromID: 7, Data: overlay.ActionOff}}
	require.Eventually(t, func() bool {
		on, _ := r.sess.Enabled(context.Background(), 1)
		return !on && len(r.ad.answeredIDs()) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"cb-off"}, r.ad.answeredIDs())

	r.sess.mu.Lock()
	r.sess.overlay, r.sess.shown = "on my way", true
	r.sess.mu.Unlock()
	r.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb-copy", ChatID: 1, FromID: 7, Data: overlay.ActionCopy}}
	out = r.waitSent(t, 2)
	// the off button answers the callback without a chat reply
	assert.Equal(t, []string{"Live suggestions on.", "on my way"}, out)
	require.Eventually(t, func() bool { return len(r.ad.answeredIDs()) == 2 }, 2*time.Second, 2*time.Millisecond)

	r.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb-x", ChatID: 1, FromID: 7, Data: "nope"}}
	require.Eventually(t, func() bool { return len(r.ad.answeredIDs()) == 3 }, 2*time.Second, 2*time.Millisecond)
	assert.Len(t, r.ad.messages(), 2)
}

func TestKeyRing(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})

	r.updates <- msg(kit.UpdateCommand, 7, "/key ring sk-shared")
	out := r.waitSent(t, 1)
	assert.Contains(t, out[0], "keyring is disabled")

	r.keys.mu.Lock()
	r.keys.ringOn = true
	r.keys.mu.Unlock()
	r.updates <- msg(kit.UpdateCommand, 7, "/key ring sk-shared")
	out = r.waitSent(t, 2)
	assert.Equal(t, "API key saved to the keyring.", out[1])

	r.keys.mu.Lock()
	assert.Equal(t, "sk-shared", r.keys.ring)
	assert.Empty(t, r.keys.keys)
	r.keys.mu.Unlock()
	r.ad.mu.Lock()
	assert.Equal(t, []int{55, 55}, r.ad.deleted)
	r.ad.mu.Unlock()

	r.updates <- msg(kit.UpdateCommand, 7, "/key ring")
	out = r.waitSent(t, 3)
	assert.Equal(t, "Usage: /key ring <apikey>", out[2])
}

func TestKeyStoresAndDeletesMessage(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})

	r.updates <- msg(kit.UpdateCommand, 7, "/key")
	out := r.waitSent(t, 1)
	assert.Contains(t, out[0], "API key not found")

	r.updates <- msg(kit.UpdateCommand, 7, "/key sk-secret")
	out = r.waitSent(t, 2)
	assert.Equal(t, "API key saved.", out[1])
	r.ad.mu.Lock()
	assert.Equal(t, []int{55}, r.ad.deleted)
	r.ad.mu.Unlock()
	k, src, _ := r.keys.Resolve(context.Background(), 7)
	assert.Equal(t, "sk-secret", k)
	assert.Equal(t, credential.SourceUser, src)

	r.updates <- msg(kit.UpdateCommand, 7, "/key clear")
	out = r.waitSent(t, 3)
	assert.Equal(t, "API key removed.", out[2])
}

func TestStatus(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, fakeRewriter{})
	r.sess.snap = &suggest.Snapshot{State: suggest.StateCooldown, Pending: "héllo", Dispatches: 2}

	r.updates <- msg(kit.UpdateCommand, 7, "/status")
	out := r.waitSent(t, 1)
	assert.Contains(t, out[0], "overlay: off")
	assert.Contains(t, out[0], "state: cooldown")
	assert.Contains(t, out[0], "pending: 5 chars")
	assert.Contains(t, out[0], "requests: 2")
	assert.Contains(t, out[0], "api key: none")
}

func TestUnknownCommandAndPanic(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	router := NewRouter(logx.Nop(), ad, nil, nil)
	router.Register([]Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }}}, nil)
	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx, updates) }()

	updates <- msg(kit.UpdateCommand, 1, "/boom")
	updates <- msg(kit.UpdateCommand, 1, "/nope")
	require.Eventually(t, func() bool { return len(ad.messages()) == 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, "unknown command. try /help", ad.messages()[0])
}
