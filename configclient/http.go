package configclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/overmindtech/discovery-server/discovery"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultHTTPRetryMax     = 2
	DefaultHTTPRetryWaitMin = 200 * time.Millisecond
	DefaultHTTPRetryWaitMax = 2 * time.Second

	// Definitions larger than this are rejected as malformed
	maxDefinitionBytes = 4 << 20
)

// leveledLogger sends retryablehttp's logs to logrus
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) fields(keysAndValues []any) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	// retryablehttp logs every request at info, which is far too noisy
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Trace(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Warn(msg)
}

// NewRetryableHTTPClient returns a retrying client that traces every attempt.
// The transport chain is retryablehttp -> otelhttp -> http.DefaultTransport
func NewRetryableHTTPClient(retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = otelhttp.DefaultClient
	client.RetryMax = retryMax
	client.RetryWaitMin = DefaultHTTPRetryWaitMin
	client.RetryWaitMax = DefaultHTTPRetryWaitMax
	client.Logger = leveledLogger{entry: log.WithField("ovm.discovery.component", "metadata-http")}

	// Return the last response rather than an opaque "giving up" error so
	// that the status code can be classified
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return client
}

// HTTPFetcher fetches engine definitions from the metadata server's REST API:
//
//	GET {base}/servers/{metadataServer}/discovery-servers/{server}/engines/{engine}
type HTTPFetcher struct {
	BaseURL        string
	MetadataServer string
	Client         *retryablehttp.Client
}

func NewHTTPFetcher(baseURL, metadataServer string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL:        strings.TrimSuffix(baseURL, "/"),
		MetadataServer: metadataServer,
		Client:         NewRetryableHTTPClient(DefaultHTTPRetryMax),
	}
}

func (f *HTTPFetcher) definitionURL(serverName, engineName string) string {
	return fmt.Sprintf("%v/servers/%v/discovery-servers/%v/engines/%v",
		f.BaseURL,
		url.PathEscape(f.MetadataServer),
		url.PathEscape(serverName),
		url.PathEscape(engineName),
	)
}

func (f *HTTPFetcher) FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*discovery.EngineDefinition, error) {
	span := trace.SpanFromContext(ctx)

	fail := func(failure discovery.FetchFailure, err error) error {
		span.SetAttributes(attribute.String("ovm.discovery.fetchFailure", string(failure)))
		return &discovery.FetchError{
			Failure: failure,
			Server:  serverName,
			Engine:  engineName,
			Err:     err,
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.definitionURL(serverName, engineName), nil)
	if err != nil {
		return nil, fail(discovery.FetchUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, fail(discovery.FetchUnreachable, err)
	}
	defer res.Body.Close()

	span.SetAttributes(attribute.Int("ovm.discovery.httpStatus", res.StatusCode))

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fail(discovery.FetchNotFound, nil)
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return nil, fail(discovery.FetchUnreachable, fmt.Errorf("metadata server returned %v", res.Status))
	case res.StatusCode != http.StatusOK:
		return nil, fail(discovery.FetchMalformed, fmt.Errorf("metadata server returned %v", res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDefinitionBytes+1))
	if err != nil {
		return nil, fail(discovery.FetchUnreachable, err)
	}
	if len(body) > maxDefinitionBytes {
		return nil, fail(discovery.FetchMalformed, errors.New("definition too large"))
	}

	var definition discovery.EngineDefinition
	if err := json.Unmarshal(body, &definition); err != nil {
		return nil, fail(discovery.FetchMalformed, fmt.Errorf("decoding definition: %w", err))
	}

	return &definition, nil
}
