// Package overlay renders scheduler output into a single chat message that is
// sent once and edited afterwards.
//
// The Sink methods only record the desired text and wake the worker, so the
// scheduler goroutine never waits on the network. Renders that pile up while
// a Telegram call is running collapse into the newest one.
package overlay

import (
	"context"
	"strings"
	"sync"
	"time"

	kit "draftbot/internal/transport"
	logx "draftbot/pkg/logx"
)

const (
	DefaultText = "suggestions"
	LoadingText = "Loading…"
	errorPrefix = "Error: "
)

// Callback data carried by the overlay buttons.
const (
	ActionCopy = "overlay:copy"
	ActionOff  = "overlay:off"
)

// Poster is the slice of transport.Adapter the overlay needs.
type Poster interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

type Overlay struct {
	target kit.ChatTarget
	poster Poster
	log    logx.Logger

	callTimeout time.Duration

	mu      sync.Mutex
	visible bool   // desired
	text    string // desired
	version uint64
	ref     *kit.MessageRef
	shown   string

	wake chan struct{}
}

func New(target kit.ChatTarget, poster Poster, log logx.Logger) *Overlay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Overlay{
		target:      target,
		poster:      poster,
		log:         log.With(logx.String("comp", "overlay"), logx.Int64("chat_id", target.ChatID)),
		callTimeout: 10 * time.Second,
		wake:        make(chan struct{}, 1),
	}
}

func (o *Overlay) ShowDefault()           { o.set(true, DefaultText) }
func (o *Overlay) ShowLoading()           { o.set(true, LoadingText) }
func (o *Overlay) ShowResult(text string) { o.set(true, ResultText(text)) }
func (o *Overlay) ShowError(msg string)   { o.set(true, ErrorText(msg)) }
func (o *Overlay) Clear()                 { o.set(false, "") }

func ResultText(s string) string {
	if strings.TrimSpace(s) == "" {
		return DefaultText
	}
	return s
}

func ErrorText(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "request failed"
	}
	return errorPrefix + msg
}

// LastText is the overlay's current text; ok is false when no overlay is shown.
func (o *Overlay) LastText() (text string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text, o.visible
}

// Ref is the overlay message, if it has been sent.
func (o *Overlay) Ref() (kit.MessageRef, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ref == nil {
		return kit.MessageRef{}, false
	}
	return *o.ref, true
}

func (o *Overlay) set(visible bool, text string) {
	o.mu.Lock()
	o.visible = visible
	o.text = text
	o.version++
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run applies renders until ctx is done. On exit the overlay message is left as is.
func (o *Overlay) Run(ctx context.Context) {
	var applied uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			v, visible, text, ref, shown := o.version, o.visible, o.text, o.ref, o.shown
			o.mu.Unlock()
			if v == applied {
				break
			}
			applied = v
			o.apply(ctx, visible, text, ref, shown)
		}
	}
}

func (o *Overlay) apply(ctx context.Context, visible bool, text string, ref *kit.MessageRef, shown string) {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	if !visible {
		if ref == nil {
			return
		}
		if err := o.poster.DeleteMessage(cctx, *ref); err != nil {
			o.log.Debug("overlay delete failed", logx.Err(err))
		}
		o.store(nil, "")
		return
	}

	opt := &kit.SendOptions{DisablePreview: true, Silent: true, Buttons: buttons()}
	if ref != nil {
		if text == shown {
			return
		}
		err := o.poster.EditText(cctx, *ref, text, opt)
		if err == nil {
			o.store(ref, text)
			return
		}
		// message deleted by the user or too old to edit: drop it and post a fresh one
		o.log.Debug("overlay edit failed; resending", logx.Err(err))
		if err := o.poster.DeleteMessage(cctx, *ref); err != nil {
			o.log.Debug("stale overlay delete failed", logx.Err(err))
		}
		o.store(nil, "")
	}
	r, err := o.poster.SendText(cctx, o.target, text, opt)
	if err != nil {
		o.log.Warn("overlay send failed", logx.Err(err))
		o.store(nil, "")
		return
	}
	o.store(&r, text)
}

func (o *Overlay) store(ref *kit.MessageRef, shown string) {
	o.mu.Lock()
	o.ref = ref
	o.shown = shown
	o.mu.Unlock()
}

func buttons() [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Copy", Data: ActionCopy},
		{Text: "Off", Data: ActionOff},
	}}
}
