// Package client talks to a call node's local control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatcall/internal/core/domain"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response from the node.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// CallView is the node's current call state and pending incoming call.
type CallView struct {
	CallID   domain.CallID        `json:"call_id,omitempty"`
	State    domain.CallState     `json:"state"`
	Incoming *domain.IncomingCall `json:"incoming,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	token      string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: websocket.DefaultDialer,
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Call(ctx context.Context) (*CallView, error) {
	var view CallView
	if err := c.do(ctx, http.MethodGet, "/api/v1/call", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) StartCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType) (domain.CallID, error) {
	var view CallView
	err := c.do(ctx, http.MethodPost, "/api/v1/calls", map[string]interface{}{
		"conversation_id": conversationID,
		"call_type":       callType,
	}, &view)
	return view.CallID, err
}

func (c *Client) Accept(ctx context.Context, callID domain.CallID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/calls/"+url.PathEscape(string(callID))+"/accept", nil, nil)
}

func (c *Client) Reject(ctx context.Context, callID domain.CallID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/calls/"+url.PathEscape(string(callID))+"/reject", nil, nil)
}

func (c *Client) End(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/call/end", nil, nil)
}

func (c *Client) SetMinimized(ctx context.Context, minimized bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/call/minimize", map[string]bool{"minimized": minimized}, nil)
}

// SetMedia toggles the microphone and camera. A nil argument leaves that
// track alone.
func (c *Client) SetMedia(ctx context.Context, audio, video *bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/call/media", map[string]*bool{"audio": audio, "video": video}, nil)
}

func (c *Client) Watch(ctx context.Context, conversationID domain.ConversationID) error {
	return c.do(ctx, http.MethodPut, "/api/v1/conversation", map[string]interface{}{"conversation_id": conversationID}, nil)
}

// Incoming returns the pending incoming call, or nil when there is none.
func (c *Client) Incoming(ctx context.Context) (*domain.IncomingCall, error) {
	var view CallView
	if err := c.do(ctx, http.MethodGet, "/api/v1/incoming", nil, &view); err != nil {
		return nil, err
	}
	return view.Incoming, nil
}

// Events opens the node's event stream. The channel closes when ctx is done
// or the connection drops.
func (c *Client) Events(ctx context.Context) (<-chan domain.Event, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	events := make(chan domain.Event, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev domain.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			// command replies share the stream and carry no event type
			if ev.Type == "" || ev.Type == "ack" || ev.Type == "error" {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
