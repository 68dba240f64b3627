// Package wagate implements transport.Channel against an HTTP WhatsApp
// gateway (a sidecar exposing login/status/send endpoints and a QR linking
// flow). The gateway owns the actual device session; this client drives it
// and translates its responses into transport events.
package wagate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string

	// StatusPollEvery controls how often /app/status is polled while a
	// connection attempt is outstanding.
	StatusPollEvery time.Duration
	HTTPTimeout     time.Duration
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu       sync.Mutex
	pollStop context.CancelFunc
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("wagate: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("wagate: invalid base url: %w", err)
	}
	cfg.BaseURL = base
	if cfg.StatusPollEvery <= 0 {
		cfg.StatusPollEvery = 2 * time.Second
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
	}, nil
}

type loginResponse struct {
	Connected bool   `json:"connected"`
	QRCode    string `json:"qr_code"`
	Phone     string `json:"phone"`
	Name      string `json:"name"`
}

type statusResponse struct {
	Status string `json:"status"` // awaiting_scan | connected | disconnected
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Connect starts a linking attempt on the gateway and returns its event
// stream. The stream is fed by a status poll loop that lives until the
// gateway reports disconnected, Disconnect is called, or ctx is canceled.
func (c *Client) Connect(ctx context.Context) (<-chan transport.Event, error) {
	var login loginResponse
	if err := c.postJSON(ctx, "/app/login", nil, &login); err != nil {
		return nil, fmt.Errorf("wagate: login: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.pollStop != nil {
		c.pollStop()
	}
	c.pollStop = cancel
	c.mu.Unlock()

	events := make(chan transport.Event, 8)
	if login.Connected {
		// Device still linked from a previous run; no scan needed.
		events <- transport.Event{
			Kind:     transport.EventAuthenticated,
			Identity: transport.Identity{Phone: login.Phone, Name: login.Name},
		}
	} else {
		events <- transport.Event{Kind: transport.EventLinkCode, Code: login.QRCode}
	}

	go c.pollStatus(pollCtx, ctx, events)
	return events, nil
}

func (c *Client) pollStatus(pollCtx, connectCtx context.Context, events chan<- transport.Event) {
	defer close(events)

	authed := false
	t := time.NewTicker(c.cfg.StatusPollEvery)
	defer t.Stop()
	for {
		select {
		case <-pollCtx.Done():
			return
		case <-connectCtx.Done():
			return
		case <-t.C:
		}

		var st statusResponse
		if err := c.getJSON(pollCtx, "/app/status", &st); err != nil {
			c.log.Warn("gateway status poll failed", logx.Err(err))
			continue
		}
		switch st.Status {
		case "connected":
			if !authed {
				authed = true
				events <- transport.Event{
					Kind:     transport.EventAuthenticated,
					Identity: transport.Identity{Phone: st.Phone, Name: st.Name},
				}
			}
		case "disconnected":
			reason := st.Reason
			if reason == "" {
				reason = "gateway reported disconnected"
			}
			events <- transport.Event{Kind: transport.EventDisconnected, Reason: reason}
			return
		}
	}
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.pollStop != nil {
		c.pollStop()
		c.pollStop = nil
	}
	c.mu.Unlock()
	if err := c.postJSON(ctx, "/app/logout", nil, nil); err != nil {
		return fmt.Errorf("wagate: logout: %w", err)
	}
	return nil
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type gatewayError struct {
	Error string `json:"error"`
}

func (c *Client) SendText(ctx context.Context, phone, body string) error {
	reqBody, err := json.Marshal(sendRequest{Phone: phone, Message: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/send/message", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &transport.SendError{Code: "unreachable", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var ge gatewayError
	_ = json.Unmarshal(raw, &ge)
	reason := ge.Error
	if reason == "" {
		reason = strings.TrimSpace(string(raw))
	}
	return &transport.SendError{
		Code:   fmt.Sprintf("http_%d", resp.StatusCode),
		Reason: reason,
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("gateway %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
