package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "draftbot/internal/runtime/supervisor"
	kit "draftbot/internal/transport"
	logx "draftbot/pkg/logx"
)

type Access int

const (
	AccessAllowed Access = iota // users in owner_user_ids, or everyone when that list is empty
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackFunc handles an inline button press.
type CallbackFunc = HandlerFunc

type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	FromID int64
	// MessageID is the command message, or the message carrying the pressed button.
	MessageID int
	Command   string
	Args      []string
	// Rest is everything after the command word, untrimmed of inner whitespace.
	Rest      string
	ReplyText string
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// TextFunc receives plain (non-command) messages and edits from allowed users.
type TextFunc func(ctx context.Context, up kit.Update) error

// Router dispatches transport updates. Text goes straight to the TextFunc,
// which must not block; commands and callbacks run on a bounded worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	onText  TextFunc

	owners atomic.Pointer[[]int64]

	mu        sync.RWMutex
	cmds      map[string]*Command
	ordered   []*Command
	callbacks map[string]CallbackFunc

	workers int
	jobs    chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, onText TextFunc, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "bot.router")),
		adapter:   adapter,
		onText:    onText,
		cmds:      map[string]*Command{},
		callbacks: map[string]CallbackFunc{},
		workers:   4,
		jobs:      make(chan func(), 64),
	}
	r.SetOwners(owners)
	return r
}

func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.owners.Store(&cp)
}

func (r *Router) allowed(userID int64) bool {
	owners := *r.owners.Load()
	if len(owners) == 0 {
		return true
	}
	for _, o := range owners {
		if o == userID {
			return true
		}
	}
	return false
}

// Register replaces the command and callback tables.
func (r *Router) Register(cmds []Command, callbacks map[string]CallbackFunc) {
	table := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := table[a]; !exists {
					table[a] = c
				}
			}
		}
		ordered = append(ordered, c)
	}
	cbs := make(map[string]CallbackFunc, len(callbacks))
	for k, v := range callbacks {
		cbs[k] = v
	}

	r.mu.Lock()
	r.cmds = table
	r.ordered = ordered
	r.callbacks = cbs
	r.mu.Unlock()
}

// Commands lists registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, *c)
	}
	return out
}

// PublishMenu pushes the command list to adapters that support a menu.
func (r *Router) PublishMenu(ctx context.Context) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	var menu []kit.BotCommand
	for _, c := range r.Commands() {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	if err := up.UpdateMenuCommands(ctx, menu); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(wctx)
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCommand:
		r.routeCommand(ctx, up)
	case kit.UpdateMessage, kit.UpdateEdited:
		if up.Message == nil {
			return
		}
		if strings.HasPrefix(strings.TrimSpace(up.Message.Text), "/") {
			// an edited command is not input
			if up.Kind == kit.UpdateMessage {
				r.routeCommand(ctx, up)
			}
			return
		}
		if r.onText == nil || !r.allowed(up.Message.FromID) {
			return
		}
		if err := r.onText(ctx, up); err != nil {
			r.log.Warn("text update failed", logx.Int64("chat_id", up.Message.ChatID), logx.Err(err))
		}
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

// parseCommand splits "/cmd@bot rest" into the lowercased word and the rest.
func parseCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	text = text[1:]
	end := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' })
	if end < 0 {
		word = text
	} else {
		word, rest = text[:end], strings.TrimSpace(text[end:])
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, rest, word != ""
}

func (r *Router) routeCommand(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd := r.cmds[word]
	r.mu.RUnlock()
	if cmd == nil {
		if r.allowed(msg.FromID) {
			_, _ = r.adapter.SendText(ctx, chat, "unknown command. try /help", nil)
		}
		return
	}
	if cmd.Access != AccessEveryone && !r.allowed(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		MessageID: msg.ID,
		Command:   cmd.Name,
		Args:      strings.Fields(rest),
		Rest:      rest,
		ReplyText: msg.ReplyText,
		Adapter:   r.adapter,
	}
	r.enqueue(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	r.mu.RLock()
	h := r.callbacks[strings.TrimSpace(cb.Data)]
	r.mu.RUnlock()
	if h == nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !r.allowed(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:    cb.FromID,
		MessageID: cb.MessageID,
		Command:   "cb:" + cb.Data,
		Adapter:   r.adapter,
	}
	handle := func(c context.Context, req *Request) error {
		err := h(c, req)
		_ = r.adapter.AnswerCallback(c, cb.ID, "")
		return err
	}
	r.enqueue(ctx, req, handle, 0)
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	req.ReqID = uuid.NewString()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
	)
	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))

	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = r.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}
