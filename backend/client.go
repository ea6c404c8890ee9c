package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnavailable marks transport-level failures: the platform could not be
// reached at all. Callers degrade (skip workflow updates, keep audio
// flowing) instead of aborting when they see it.
var ErrUnavailable = errors.New("backend unavailable")

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the AI platform. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	users   *expirable.LRU[string, User]
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client, e.g. to change the
// request timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserCache sizes the company-number lookup cache. Lookups happen on
// every incoming call and SMS; entries expire so number reassignments are
// picked up.
func WithUserCache(size int, ttl time.Duration) Option {
	return func(c *Client) {
		c.users = expirable.NewLRU[string, User](size, nil, ttl)
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
		users:   expirable.NewLRU[string, User](256, nil, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserByCompanyNumber resolves the owner of a company line, with caching.
func (c *Client) UserByCompanyNumber(ctx context.Context, number string) (User, error) {
	if user, ok := c.users.Get(number); ok {
		return user, nil
	}

	var user User
	err := c.getJSON(ctx, "/users/by-company-number/"+url.PathEscape(number), &user)
	if err != nil {
		return User{}, err
	}
	c.users.Add(number, user)
	return user, nil
}

// CreateSession registers a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON(ctx, "/sessions/create", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// ActiveWorkflow fetches the user's current workflow graph.
func (c *Client) ActiveWorkflow(ctx context.Context, userID string) (Workflow, error) {
	var wf Workflow
	err := c.getJSON(ctx, "/workflows/active/"+url.PathEscape(userID), &wf)
	return wf, err
}

// ProcessInput sends one caller utterance and returns the AI's turn.
func (c *Client) ProcessInput(ctx context.Context, req ProcessInputRequest) (AIReply, error) {
	var reply AIReply
	err := c.postJSON(ctx, "/ai/process-input", req, &reply)
	return reply, err
}

// Synthesize converts text to speech and returns the raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, text string, voice VoiceSettings) ([]byte, error) {
	body := struct {
		Text  string        `json:"text"`
		Voice VoiceSettings `json:"voice"`
	}{Text: text, Voice: voice}

	resp, err := c.do(ctx, http.MethodPost, "/tts/synthesize", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return audio, nil
}

// GenerateSummary submits a finished call's transcript for summarization.
func (c *Client) GenerateSummary(ctx context.Context, req SummaryRequest) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.postJSON(ctx, "/ai/generate-summary", req, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// ConfirmPaymentSMS reports a matched payment confirmation.
func (c *Client) ConfirmPaymentSMS(ctx context.Context, conf PaymentConfirmation) error {
	return c.postJSON(ctx, "/payments/confirm-sms", conf, nil)
}

// NotifySMS forwards an SMS to the platform.
func (c *Client) NotifySMS(ctx context.Context, msg SMSNotification) error {
	return c.postJSON(ctx, "/sms/message", msg, nil)
}

// NotifyCallEvent reports a call lifecycle change.
func (c *Client) NotifyCallEvent(ctx context.Context, ev CallEvent) error {
	return c.postJSON(ctx, "/calls/event", ev, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do issues one request and normalizes failures: transport errors wrap
// ErrUnavailable, non-2xx responses become an APIError. On success the
// caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}
