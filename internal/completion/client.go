package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	logx "draftbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 << 10
	maxBody      = 4 << 20
)

type Config struct {
	BaseURL string
	Model   string
	// Timeout is the HTTP client timeout for a single call.
	Timeout time.Duration
	// RewriteRatePerSec limits /formal and /casual calls across all users. 0 = unlimited.
	RewriteRatePerSec int
}

func (c Config) normalize() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RewriteRatePerSec < 0 {
		c.RewriteRatePerSec = 0
	}
	return c
}

// KeySource resolves the API key for a user. An empty key with a nil error
// means no key is configured.
type KeySource interface {
	APIKey(ctx context.Context, userID int64) (string, error)
}

// KeyFunc adapts a function to KeySource.
type KeyFunc func(ctx context.Context, userID int64) (string, error)

func (f KeyFunc) APIKey(ctx context.Context, userID int64) (string, error) { return f(ctx, userID) }

// Client talks to an OpenAI-compatible Responses endpoint.
type Client struct {
	log  logx.Logger
	keys KeySource

	mu      sync.RWMutex
	cfg     Config
	http    *http.Client
	rewrite *rate.Limiter
}

func New(cfg Config, keys KeySource, log logx.Logger) *Client {
	c := &Client{log: log.With(logx.String("comp", "completion")), keys: keys}
	c.Apply(cfg)
	return c
}

// Apply swaps the runtime config. In-flight calls keep the old client.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.http = &http.Client{Timeout: cfg.Timeout}
	if cfg.RewriteRatePerSec > 0 {
		c.rewrite = rate.NewLimiter(rate.Limit(cfg.RewriteRatePerSec), cfg.RewriteRatePerSec)
	} else {
		c.rewrite = nil
	}
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Complete predicts the completed message for a user's partial text.
func (c *Client) Complete(ctx context.Context, userID int64, text string) (string, error) {
	return c.call(ctx, userID, AutocompletePrompt(text))
}

// Rewrite converts text into the given tone. Calls are rate limited.
func (c *Client) Rewrite(ctx context.Context, userID int64, tone Tone, text string) (string, error) {
	c.mu.RLock()
	lim := c.rewrite
	c.mu.RUnlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", err
		}
	}
	return c.call(ctx, userID, RewritePrompt(tone, text))
}

func (c *Client) call(ctx context.Context, userID int64, prompt string) (string, error) {
	if c.keys == nil {
		return "", ErrMissingCredential
	}
	key, err := c.keys.APIKey(ctx, userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrMissingCredential
	}
	return c.Respond(ctx, key, prompt)
}

// Respond posts input to {base}/responses and returns output[0].content[0].text.
// An empty or missing text is a successful empty suggestion.
func (c *Client) Respond(ctx context.Context, apiKey, input string) (string, error) {
	c.mu.RLock()
	cfg, hc := c.cfg, c.http
	c.mu.RUnlock()

	b, err := json.Marshal(struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}{Model: cfg.Model, Input: input})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/responses", bytes.NewReader(b))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Msg: "bad request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &Error{Kind: KindNetwork, Msg: "network error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Type:    gjson.GetBytes(body, "error.type").String(),
			Message: gjson.GetBytes(body, "error.message").String(),
		}
		c.log.Warn("completion request failed",
			logx.Int("status", resp.StatusCode),
			logx.String("type", apiErr.Type),
			logx.Duration("took", time.Since(start)),
		)
		return "", &Error{Kind: KindStatus, Msg: apiErr.UserMessage(), Err: apiErr}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &Error{Kind: KindNetwork, Msg: "network error", Err: err}
	}
	if !gjson.ValidBytes(body) {
		return "", &Error{Kind: KindNetwork, Msg: "invalid response", Err: errors.New("response is not JSON")}
	}

	text := gjson.GetBytes(body, "output.0.content.0.text").String()
	c.log.Debug("completion ok",
		logx.Int("status", resp.StatusCode),
		logx.Int("out_chars", len(text)),
		logx.Duration("took", time.Since(start)),
	)
	return text, nil
}

// UserCompleter is the per-user completion call. *Client implements it.
type UserCompleter interface {
	Complete(ctx context.Context, userID int64, text string) (string, error)
}

var errNoBackend = errors.New("no completion backend")

// Autocompleter adapts a UserCompleter to the suggestion scheduler. UserID is
// read on every call, so a chat session follows whoever typed last.
type Autocompleter struct {
	Client UserCompleter
	UserID func() int64
}

func (a Autocompleter) Complete(ctx context.Context, text string) (string, error) {
	if a.Client == nil {
		return "", errNoBackend
	}
	var uid int64
	if a.UserID != nil {
		uid = a.UserID()
	}
	return a.Client.Complete(ctx, uid, text)
}
