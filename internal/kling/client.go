package kling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maauso/clipchain-api/internal/envelope"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/transport"
)

// ProviderName identifies Kling in errors, handles and fingerprints.
const ProviderName = "kling"

// Static errors for Kling client operations.
var (
	// ErrSignerRequired is returned when no signer is provided.
	ErrSignerRequired = errors.New("kling: signer is required")
	// ErrPromptRequired is returned when neither a prompt nor an image is set.
	ErrPromptRequired = errors.New("kling: prompt or image is required")
	// ErrModelRequired is returned when the model name is empty.
	ErrModelRequired = errors.New("kling: model name is required")
	// ErrNoTaskIDReturned is returned when a successful submission has no task ID.
	ErrNoTaskIDReturned = errors.New("kling: submit succeeded without task ID")
	// ErrStatusURLRequired is returned when Status is called without a URL.
	ErrStatusURLRequired = errors.New("kling: status URL is required")
)

// wireFormat describes Kling's {code, message, request_id, data} envelope.
var wireFormat = envelope.Format{
	Provider: ProviderName,
	Success:  func(code gjson.Result) bool { return code.Type == gjson.Number && code.Int() == 0 },
	Classify: classifyCode,
}

// classifyCode maps Kling business codes to error kinds.
func classifyCode(code gjson.Result, _ string) generr.Kind {
	switch c := code.Int(); {
	case c >= 1000 && c <= 1004:
		return generr.KindAuth
	case c == 1302 || c == 1303:
		return generr.KindRateLimited
	case c == 1304:
		return generr.KindAuth
	case c >= 5000 && c <= 5002:
		return generr.KindTransient
	default:
		return generr.KindPermanent
	}
}

// Client defines the interface for interacting with the Kling API.
type Client interface {
	// Submit creates a task. The call is retried under the client's policy.
	Submit(ctx context.Context, req GenerationRequest) (Task, error)

	// Status queries a task once.
	Status(ctx context.Context, statusURL string) (Task, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	signer     transport.Signer
	httpClient *http.Client
	retrier    *transport.Retrier
	caller     *transport.Caller
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithBaseURL sets a custom base URL for the Kling API.
func WithBaseURL(url string) ClientOption {
	return func(c *HTTPClient) {
		c.baseURL = strings.TrimRight(url, "/")
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

// NewClient creates a new Kling HTTP client. signer is normally a JWT signer.
func NewClient(signer transport.Signer, opts ...ClientOption) (*HTTPClient, error) {
	if signer == nil {
		return nil, ErrSignerRequired
	}

	c := &HTTPClient{
		baseURL: "https://api.klingai.com",
		signer:  signer,
	}
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
func (c *HTTPClient) StatusURL(endpoint Endpoint, taskID string) string {
	return fmt.Sprintf("%s/v1/videos/%s/%s", c.baseURL, endpoint, taskID)
}

// Submit creates a text2video or image2video task.
func (c *HTTPClient) Submit(ctx context.Context, req GenerationRequest) (Task, error) {
	if req.ModelName == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrModelRequired)
	}
	if req.Prompt == "" && req.Image == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrPromptRequired)
	}

	endpoint := req.Endpoint()
	url := fmt.Sprintf("%s/v1/videos/%s", c.baseURL, endpoint)

	var data taskData
	_, err := c.retrier.Do(ctx, func(ctx context.Context) (*transport.Response, error) {
		resp, err := c.caller.Do(ctx, http.MethodPost, url, req)
		if err != nil {
			return resp, refine(resp, err)
		}
		data = taskData{}
		if err := envelope.Decode(wireFormat, resp.Body, &data); err != nil {
			return resp, err
		}
		if data.TaskID == "" {
			return resp, generr.Wrap(generr.KindUnexpectedEnvelope, ProviderName, ErrNoTaskIDReturned)
		}
		return resp, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("kling: submit: %w", err)
	}

	task := toTask(data)
	task.StatusURL = c.StatusURL(endpoint, data.TaskID)
	return task, nil
}

// Status queries a task by its status URL.
func (c *HTTPClient) Status(ctx context.Context, statusURL string) (Task, error) {
	if statusURL == "" {
		return Task{}, generr.Wrap(generr.KindInvalidRequest, ProviderName, ErrStatusURLRequired)
	}

	resp, err := c.caller.Do(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return Task{}, fmt.Errorf("kling: status: %w", refine(resp, err))
	}

	var data taskData
	if err := envelope.Decode(wireFormat, resp.Body, &data); err != nil {
		return Task{}, fmt.Errorf("kling: status: %w", err)
	}

	task := toTask(data)
	task.StatusURL = statusURL
	return task, nil
}

// refine sharpens an HTTP-level classification with the business code Kling
// includes in error bodies, so a 400 carrying an auth code is reported as
// an auth failure.
func refine(resp *transport.Response, err error) error {
	if resp == nil || len(resp.Body) == 0 {
		return err
	}
	var ge *generr.Error
	if !errors.As(err, &ge) || ge.Kind != generr.KindPermanent {
		return err
	}
	code := gjson.GetBytes(resp.Body, "code")
	if code.Type != gjson.Number {
		return err
	}
	ge.Kind = classifyCode(code, ge.Message)
	ge.Code = code.String()
	return err
}

func toTask(d taskData) Task {
	t := Task{
		ID:            d.TaskID,
		Status:        TaskStatus(d.TaskStatus),
		StatusMessage: d.TaskStatusMsg,
	}
	if len(d.TaskResult.Videos) > 0 {
		t.VideoURL = d.TaskResult.Videos[0].URL
	}
	return t
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
