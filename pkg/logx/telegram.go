package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// telegramSink is a zerolog.LevelWriter that forwards rendered lines to a chat.
// It never blocks logging: lines are dropped when the limiter or the queue says no.
type telegramSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan string, 256), minLevel: zerolog.WarnLevel}
}

func (t *telegramSink) configure(minLevel zerolog.Level, lim *rate.Limiter) {
	t.mu.Lock()
	t.minLevel = minLevel
	t.limiter = lim
	t.mu.Unlock()
}

func (t *telegramSink) setTarget(chatID int64) {
	t.mu.Lock()
	t.chatID = chatID
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID != 0
}

func (t *telegramSink) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.worker(ctx)
	}()
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			if t.sender == nil {
				continue
			}
			t.mu.Lock()
			chatID := t.chatID
			t.mu.Unlock()
			if chatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = t.sender.SendLog(sctx, chatID, msg)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chatID := t.chatID
	lim := t.limiter
	minLevel := t.minLevel
	t.mu.Unlock()

	if chatID == 0 || t.sender == nil || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	msg := formatLogLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatLogLine renders a zerolog JSON line as "[LEVEL] message" followed by sorted fields.
func formatLogLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
