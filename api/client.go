package api

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
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/overmindtech/discovery-server/configclient"
	"github.com/overmindtech/discovery-server/discovery"
)

// APIError is returned by the Client when the server responds with an error
type APIError struct {
	StatusCode int
	Body       ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.MessageID != "" {
		return fmt.Sprintf("%v %v: %v", e.StatusCode, e.Body.MessageID, e.Body.Message)
	}
	return fmt.Sprintf("%v: %v", e.StatusCode, e.Body.Message)
}

// Kind returns the discovery error kind of the response, if there was one
func (e *APIError) Kind() discovery.ErrorKind {
	return e.Body.ErrorKind
}

// ErrServiceFailed is returned alongside the result when a request ran and the
// discovery service failed
var ErrServiceFailed = errors.New("discovery service failed")

// Client talks to the HTTP API of a discovery server
type Client struct {
	BaseURL string
	Server  string
	HTTP    *retryablehttp.Client
}

func NewClient(baseURL, server string) *Client {
	client := configclient.NewRetryableHTTPClient(configclient.DefaultHTTPRetryMax)
	client.CheckRetry = checkRetry

	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Server:  server,
		HTTP:    client,
	}
}

// checkRetry only retries requests that never got a response, since
// dispatching is not idempotent
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) url(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return c.BaseURL + fmt.Sprintf(format, escaped...)
}

// do sends the request and decodes a successful response into out. Error
// responses are returned as *APIError
func (c *Client) do(ctx context.Context, method, target string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if res.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Body)

		// A failed service run comes back as a FAILED result rather than an
		// error body
		if out != nil {
			_ = json.Unmarshal(data, out)
		}

		if apiErr.Body.Message == "" {
			apiErr.Body.Message = strings.TrimSpace(string(data))
		}

		return res.StatusCode, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return res.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}

	return res.StatusCode, nil
}

// DispatchOptions control how a request is run
type DispatchOptions struct {
	Async   bool
	Timeout time.Duration
}

// Dispatch runs a discovery request. If the service ran and failed, the FAILED
// result is returned along with an error
func (c *Client) Dispatch(ctx context.Context, engine, requestType string, params map[string]any, opts DispatchOptions) (*discovery.DiscoveryResult, error) {
	u := c.url("/servers/%v/engines/%v/requests/%v", c.Server, engine, requestType)

	q := url.Values{}
	if opts.Async {
		q.Set("async", "true")
	}
	if opts.Timeout > 0 {
		q.Set("timeout", opts.Timeout.String())
	}
	if len(q) > 0 {
		u = u + "?" + q.Encode()
	}

	if params == nil {
		params = map[string]any{}
	}

	var result discovery.DiscoveryResult
	_, err := c.do(ctx, http.MethodPost, u, params, &result)
	if err != nil {
		if result.Status == discovery.ResultFailed || result.Status == discovery.ResultCancelled {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				apiErr.Body.Message = result.ErrorDetail
			}
			return &result, errors.Join(ErrServiceFailed, err)
		}
		return nil, err
	}

	return &result, nil
}

// RequestStatus returns the status of an asynchronous request
func (c *Client) RequestStatus(ctx context.Context, id uuid.UUID) (*discovery.DiscoveryResult, error) {
	var result discovery.DiscoveryResult
	if _, err := c.do(ctx, http.MethodGet, c.url("/servers/%v/requests/%v", c.Server, id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRequest cancels an asynchronous request
func (c *Client) CancelRequest(ctx context.Context, id uuid.UUID) (*discovery.DiscoveryResult, error) {
	var result discovery.DiscoveryResult
	if _, err := c.do(ctx, http.MethodDelete, c.url("/servers/%v/requests/%v", c.Server, id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refresh asks the server to refresh the definition of an engine
func (c *Client) Refresh(ctx context.Context, engine string) error {
	var ack AckBody
	_, err := c.do(ctx, http.MethodPost, c.url("/servers/%v/engines/%v/refresh", c.Server, engine), nil, &ack)
	return err
}

// Engines returns the status of every engine on the server
func (c *Client) Engines(ctx context.Context) (*EnginesBody, error) {
	var engines EnginesBody
	if _, err := c.do(ctx, http.MethodGet, c.url("/servers/%v/engines", c.Server), nil, &engines); err != nil {
		return nil, err
	}
	return &engines, nil
}
