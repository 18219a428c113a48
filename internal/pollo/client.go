package pollo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maauso/clipchain-api/internal/envelope"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/transport"
)

// ProviderName identifies Pollo in errors, handles and fingerprints.
const ProviderName = "pollo"

// Static errors for Pollo client operations.
var (
	// ErrSignerRequired is returned when no signer is provided.
	ErrSignerRequired = errors.New("pollo: signer is required")
	// ErrModelRequired is returned when the brand or model is empty.
	ErrModelRequired = errors.New("pollo: model brand and name are required")
	// ErrPromptRequired is returned when neither a prompt nor an image is set.
	ErrPromptRequired = errors.New("pollo: prompt or image is required")
	// ErrNoTaskIDReturned is returned when a successful submission has no task ID.
	ErrNoTaskIDReturned = errors.New("pollo: submit succeeded without task ID")
	// ErrStatusURLRequired is returned when Status is called without a URL.
	ErrStatusURLRequired = errors.New("pollo: status URL is required")
)

// wireFormat describes Pollo's optional {code, message, data} wrapper.
var wireFormat = envelope.Format{
	Provider: ProviderName,
	Success:  isSuccessCode,
	Classify: classifyCode,
}

func isSuccessCode(code gjson.Result) bool {
	if code.Type == gjson.Number {
		return code.Int() == 0 || code.Int() == 200
	}
	return strings.EqualFold(code.String(), "SUCCESS")
}

// classifyCode maps Pollo's string error codes to error kinds.
func classifyCode(code gjson.Result, _ string) generr.Kind {
	c := strings.ToUpper(code.String())
	switch {
	case strings.Contains(c, "UNAUTHORIZED"), strings.Contains(c, "API_KEY"), strings.Contains(c, "FORBIDDEN"):
		return generr.KindAuth
	case strings.Contains(c, "RATE_LIMIT"), strings.Contains(c, "TOO_MANY"):
		return generr.KindRateLimited
	case strings.Contains(c, "INTERNAL"), strings.Contains(c, "UNAVAILABLE"), strings.Contains(c, "TIMEOUT"):
		return generr.KindTransient
	default:
		return generr.KindPermanent
	}
}

// Client defines the interface for interacting with the Pollo API.
type Client interface {
	// Submit creates a generation task. The call is retried under the
	// client's policy.
	Submit(ctx context.Context, model Model, input Input) (Task, error)

	// Status queries a task once.
	Status(ctx context.Context, statusURL string) (Task, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	webhookURL string
	httpClient *http.Client
	retrier    *transport.Retrier
	caller     *transport.Caller
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithBaseURL sets a custom base URL for the Pollo API.
func WithBaseURL(u string) ClientOption {
	return func(c *HTTPClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithRetrier sets the retrier used for submissions.
func WithRetrier(r *transport.Retrier) ClientOption {
	return func(c *HTTPClient) {
		c.retrier = r
	}
}

// WithWebhookURL asks Pollo to notify url on completion.
func WithWebhookURL(u string) ClientOption {
	return func(c *HTTPClient) {
		c.webhookURL = u
	}
}

// NewClient creates a new Pollo HTTP client. signer is normally a static
// key signer writing x-api-key.
func NewClient(signer transport.Signer, opts ...ClientOption) (*HTTPClient, error) {
	if signer == nil {
		return nil, ErrSignerRequired
	}

	c := &HTTPClient{baseURL: "https://pollo.ai/api/platform"}
	for _, opt := range opts {
		opt(c)
	}

	if c.retrier == nil {
		c.retrier = transport.NewRetrier(transport.DefaultPolicy())
	}
	var callerOpts []transport.CallerOption
	if c.httpClient != nil {
		callerOpts = append(callerOpts, transport.WithHTTPClient(c.httpClient))
	}
	c.caller = transport.NewCaller(ProviderName, signer, callerOpts...)

	return c, nil
}

// StatusURL returns the query address for a task.
func (c *HTTPClient) StatusURL(taskID string) string {
	return fmt.Sprintf("%s/generation/%s/status", c.baseURL, url.PathEscape(taskID))
}

// Submit creates a generation task for model.
func (c *HTTPClient) Submit(ctx context.Context, model Model, input Input) (Task, error) {
	if model.Brand == "" || model.Name == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrModelRequired)
	}
	if input.Prompt == "" && input.Image == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrPromptRequired)
	}

	endpoint := fmt.Sprintf("%s/generation/%s/%s", c.baseURL, url.PathEscape(model.Brand), url.PathEscape(model.Name))
	body := generationRequest{Input: input, WebhookURL: c.webhookURL}

	var data submitData
	_, err := c.retrier.Do(ctx, func(ctx context.Context) (*transport.Response, error) {
		resp, err := c.caller.Do(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return resp, err
		}
		data = submitData{}
		if err := envelope.Decode(wireFormat, resp.Body, &data); err != nil {
			return resp, err
		}
		if data.TaskID == "" {
			return resp, generr.Wrap(generr.KindUnexpectedEnvelope, ProviderName, ErrNoTaskIDReturned)
		}
		return resp, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("pollo: submit: %w", err)
	}

	return Task{
		ID:        data.TaskID,
		Status:    Status(data.Status),
		StatusURL: c.StatusURL(data.TaskID),
	}, nil
}

// Status queries a task by its status URL. The task status is taken from
// the first generation when present, falling back to the task-level field.
func (c *HTTPClient) Status(ctx context.Context, statusURL string) (Task, error) {
	if statusURL == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrStatusURLRequired)
	}

	resp, err := c.caller.Do(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return Task{}, fmt.Errorf("pollo: status: %w", err)
	}

	var data statusData
	if err := envelope.Decode(wireFormat, resp.Body, &data); err != nil {
		return Task{}, fmt.Errorf("pollo: status: %w", err)
	}

	task := Task{
		ID:        data.TaskID,
		Status:    Status(data.Status),
		StatusURL: statusURL,
	}
	if len(data.Generations) > 0 {
		g := data.Generations[0]
		if g.Status != "" {
			task.Status = Status(g.Status)
		}
		task.VideoURL = g.URL
		task.StatusMessage = g.FailMsg
	}
	return task, nil
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
