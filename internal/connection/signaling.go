package connection

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/storycircle/pkg/transport"
)

// connectPath is the broker endpoint that issues ephemeral room credentials.
const connectPath = "/connect-pipecat"

const defaultSignalingTimeout = 15 * time.Second

// SignalingError is returned when the broker answers with a non-2xx status.
type SignalingError struct {
	// Status is the HTTP status code.
	Status int

	// Message is the "error" field of the response body, or the status text
	// when the body carries none.
	Message string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling: status %d: %s", e.Status, e.Message)
}

// Signaler exchanges a session config for room credentials.
type Signaler interface {
	Exchange(ctx context.Context, sessionConfig map[string]any) (transport.Target, error)
}

// BrokerClient is a [Signaler] that talks to the broker's HTTP endpoint.
type BrokerClient struct {
	client *resty.Client
}

var _ Signaler = (*BrokerClient)(nil)

type connectRequest struct {
	Config map[string]any `json:"config"`
}

type connectResponse struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewBrokerClient returns a client for the broker at proxyBase. When hc is
// nil a client with a 15s timeout is used.
func NewBrokerClient(proxyBase string, hc *http.Client) *BrokerClient {
	var c *resty.Client
	if hc != nil {
		c = resty.NewWithClient(hc)
	} else {
		c = resty.New().SetTimeout(defaultSignalingTimeout)
	}
	c.SetBaseURL(strings.TrimRight(proxyBase, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &BrokerClient{client: c}
}

// Exchange implements [Signaler]. It POSTs {"config": sessionConfig} and
// returns the room URL and token from the response.
func (b *BrokerClient) Exchange(ctx context.Context, sessionConfig map[string]any) (transport.Target, error) {
	if sessionConfig == nil {
		sessionConfig = map[string]any{}
	}

	var (
		out    connectResponse
		errOut errorBody
	)
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(connectRequest{Config: sessionConfig}).
		SetResult(&out).
		SetError(&errOut).
		Post(connectPath)
	if err != nil {
		return transport.Target{}, fmt.Errorf("signaling: %w", err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		msg := errOut.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return transport.Target{}, &SignalingError{Status: resp.StatusCode(), Message: msg}
	}
	if out.RoomURL == "" {
		return transport.Target{}, fmt.Errorf("signaling: response missing room_url")
	}
	return transport.Target{URL: out.RoomURL, Token: out.Token}, nil
}
