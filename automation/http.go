package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPResponse is what an outbound call returned.
type HTTPResponse struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r HTTPResponse) OK() bool { return r.Status >= 200 && r.Status < 300 }

// WebhookCaller performs outbound webhook requests.
type WebhookCaller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (HTTPResponse, error)
}

// HTTPClient is a fasthttp backed WebhookCaller.
type HTTPClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{
		client: &fasthttp.Client{
			Name:                "loumass-automation",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: timeout,
	}
}

func (c *HTTPClient) Call(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (HTTPResponse, error) {
	if err := ctx.Err(); err != nil {
		return HTTPResponse{}, err
	}
	if method == "" {
		method = fasthttp.MethodPost
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if payload != nil && method != fasthttp.MethodGet {
		body, err := json.Marshal(payload)
		if err != nil {
			return HTTPResponse{}, fmt.Errorf("encode payload: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return HTTPResponse{}, err
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return HTTPResponse{Status: resp.StatusCode(), Body: body}, nil
}

// SMSTransport sends text messages.
type SMSTransport interface {
	SendSMS(ctx context.Context, to, message string) (string, error)
}

// ErrSMSNotConfigured is returned when no gateway URL is set.
var ErrSMSNotConfigured = errors.New("sms gateway not configured")

// SMSGateway posts messages to an HTTP SMS gateway as
// {"to", "from", "message"} with a bearer token.
type SMSGateway struct {
	url    string
	token  string
	from   string
	caller WebhookCaller
}

func NewSMSGateway(url, token, from string, caller WebhookCaller) *SMSGateway {
	return &SMSGateway{url: url, token: token, from: from, caller: caller}
}

func (g *SMSGateway) SendSMS(ctx context.Context, to, message string) (string, error) {
	if g.url == "" {
		return "", ErrSMSNotConfigured
	}
	headers := map[string]string{"Accept": "application/json"}
	if g.token != "" {
		headers["Authorization"] = "Bearer " + g.token
	}
	resp, err := g.caller.Call(ctx, fasthttp.MethodPost, g.url, headers, map[string]string{
		"to":      to,
		"from":    g.from,
		"message": message,
	})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("sms gateway returned %d: %s", resp.Status, truncate(string(resp.Body), 200))
	}

	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Body, &ack)
	return ack.ID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
