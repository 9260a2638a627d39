package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"draftbot/internal/completion"
	"draftbot/internal/credential"
	"draftbot/internal/overlay"
	"draftbot/internal/suggest"
	kit "draftbot/internal/transport"
	logx "draftbot/pkg/logx"
)

type Sessions interface {
	OnText(ctx context.Context, to kit.ChatTarget, userID int64, text string) error
	SetEnabled(ctx context.Context, to kit.ChatTarget, userID int64, on bool) error
	Enabled(ctx context.Context, chatID int64) (bool, error)
	Status(ctx context.Context, chatID int64) (*suggest.Snapshot, error)
	OverlayText(chatID int64) (string, bool)
}

type Rewriter interface {
	Rewrite(ctx context.Context, userID int64, tone completion.Tone, text string) (string, error)
}

type Keys interface {
	SetUserKey(ctx context.Context, userID int64, key string) error
	Resolve(ctx context.Context, userID int64) (string, credential.Source, error)
	SaveToKeyring(key string) error
}

// Handlers implements the chat commands on top of sessions, rewrites and keys.
type Handlers struct {
	Sessions Sessions
	Rewriter Rewriter
	Keys     Keys
}

// OnText is the router's TextFunc.
func (h *Handlers) OnText(ctx context.Context, up kit.Update) error {
	m := up.Message
	return h.Sessions.OnText(ctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, m.FromID, m.Text)
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "introduction", Handle: h.help},
		{Name: "help", Description: "list commands", Handle: h.help},
		{Name: "on", Description: "enable live suggestions in this chat", Handle: h.toggle(true)},
		{Name: "off", Description: "disable live suggestions in this chat", Handle: h.toggle(false)},
		{Name: "formal", Description: "rewrite text in a formal tone", Usage: "/formal <text> (or reply to a message)", Timeout: time.Minute, Handle: h.rewrite(completion.ToneFormal)},
		{Name: "casual", Description: "rewrite text in a casual tone", Usage: "/casual <text> (or reply to a message)", Timeout: time.Minute, Handle: h.rewrite(completion.ToneCasual)},
		{Name: "copy", Description: "send the current suggestion as a message", Handle: h.copy},
		{Name: "key", Description: "store your API key", Usage: "/key <apikey> | /key clear | /key ring <apikey>", Handle: h.key},
		{Name: "status", Description: "show suggestion state", Handle: h.status},
	}
}

func (h *Handlers) Callbacks() map[string]CallbackFunc {
	return map[string]CallbackFunc{
		overlay.ActionCopy: h.copy,
		overlay.ActionOff:  h.toggle(false),
	}
}

func (h *Handlers) help(ctx context.Context, req *Request) error {
	lines := []string{
		"<b>draftbot</b> suggests how to finish the message you are typing.",
		"Send or edit a message while suggestions are on and the overlay below updates.",
		"",
	}
	for _, c := range h.Commands() {
		usage := "/" + c.Name
		if c.Usage != "" {
			usage = c.Usage
		}
		lines = append(lines, "• <code>"+html.EscapeString(usage)+"</code> - "+html.EscapeString(c.Description))
	}
	return req.ReplyHTML(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) toggle(on bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if err := h.Sessions.SetEnabled(ctx, req.Chat, req.FromID, on); err != nil {
			_ = req.Reply(ctx, "could not change the setting: "+err.Error())
			return err
		}
		if req.Update.Kind == kit.UpdateCallback {
			return nil
		}
		if on {
			return req.Reply(ctx, "Live suggestions on.")
		}
		return req.Reply(ctx, "Live suggestions off.")
	}
}

func (h *Handlers) rewrite(tone completion.Tone) HandlerFunc {
	empty := "Nothing to formalize."
	failed := "Error formalizing text: "
	if tone == completion.ToneCasual {
		empty = "Nothing to make casual..."
		failed = "Error making text casual: "
	}
	return func(ctx context.Context, req *Request) error {
		text := req.Rest
		if strings.TrimSpace(text) == "" {
			text = req.ReplyText
		}
		if strings.TrimSpace(text) == "" {
			return req.Reply(ctx, empty)
		}
		out, err := h.Rewriter.Rewrite(ctx, req.FromID, tone, text)
		if err != nil {
			_ = req.Reply(ctx, failed+suggest.ErrorMessage(err))
			return err
		}
		return req.Reply(ctx, overlay.ResultText(out))
	}
}

func (h *Handlers) copy(ctx context.Context, req *Request) error {
	text, ok := h.Sessions.OverlayText(req.Chat.ChatID)
	switch {
	case !ok:
		return req.Reply(ctx, "No overlay to copy")
	case strings.TrimSpace(text) == "":
		return req.Reply(ctx, "Nothing to copy")
	}
	return req.Reply(ctx, text)
}

func (h *Handlers) key(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		_, src, err := h.Keys.Resolve(ctx, req.FromID)
		if err != nil {
			return err
		}
		if src == credential.SourceNone {
			return req.Reply(ctx, "API key not found. Send /key <apikey> to store yours.")
		}
		return req.Reply(ctx, fmt.Sprintf("Using the API key from %s.", src))
	}

	// the command message holds the secret
	if req.MessageID != 0 {
		if err := req.Adapter.DeleteMessage(ctx, kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.MessageID}); err != nil {
			req.Logger.Debug("could not delete key message", logx.Err(err))
		}
	}

	if strings.EqualFold(req.Args[0], "ring") {
		if len(req.Args) < 2 {
			return req.Reply(ctx, "Usage: /key ring <apikey>")
		}
		if err := h.Keys.SaveToKeyring(req.Args[1]); err != nil {
			if errors.Is(err, credential.ErrKeyringDisabled) {
				return req.Reply(ctx, "The keyring is disabled. Set completion.keyring: true first.")
			}
			_ = req.Reply(ctx, "could not store the key: "+err.Error())
			return err
		}
		return req.Reply(ctx, "API key saved to the keyring.")
	}

	key := req.Args[0]
	if strings.EqualFold(key, "clear") {
		key = ""
	}
	if err := h.Keys.SetUserKey(ctx, req.FromID, key); err != nil {
		_ = req.Reply(ctx, "could not store the key: "+err.Error())
		return err
	}
	if key == "" {
		return req.Reply(ctx, "API key removed.")
	}
	return req.Reply(ctx, "API key saved.")
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	on, err := h.Sessions.Enabled(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	lines := []string{"overlay: " + onOff(on)}

	snap, err := h.Sessions.Status(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if snap == nil {
		lines = append(lines, "session: none")
	} else {
		lines = append(lines,
			"state: "+snap.State.String(),
			"in flight: "+yesNo(snap.InFlight),
			"pending: "+pendingLine(snap.Pending),
			fmt.Sprintf("requests: %d", snap.Dispatches),
		)
		if !snap.LastDispatch.IsZero() {
			lines = append(lines, "last request: "+snap.LastDispatch.Format("15:04:05"))
		}
		if !snap.WakeAt.IsZero() {
			lines = append(lines, "next slot: "+snap.WakeAt.Format("15:04:05.000"))
		}
	}

	if h.Keys != nil {
		_, src, err := h.Keys.Resolve(ctx, req.FromID)
		if err == nil {
			lines = append(lines, "api key: "+string(src))
		}
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func pendingLine(s string) string {
	if s == "" {
		return "none"
	}
	return fmt.Sprintf("%d chars", len([]rune(s)))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
