package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff/v4"
	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/storefront-mesh/pkg/httpclient"
	"github.com/wundergraph/storefront-mesh/pkg/introspection"
)

const defaultIntrospectionRetries = 3

// Introspector fetches source schemas with the standard introspection query.
type Introspector struct {
	client  *http.Client
	logger  abstractlogger.Logger
	env     LookupFunc
	retries uint64
	backoff func() backoff.BackOff
}

type IntrospectorOption func(*Introspector)

// WithEnv replaces os.LookupEnv for schema header resolution.
func WithEnv(env LookupFunc) IntrospectorOption {
	return func(i *Introspector) {
		i.env = env
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(retries uint64) IntrospectorOption {
	return func(i *Introspector) {
		i.retries = retries
	}
}

func WithBackOff(factory func() backoff.BackOff) IntrospectorOption {
	return func(i *Introspector) {
		i.backoff = factory
	}
}

func NewIntrospector(client *http.Client, logger abstractlogger.Logger, opts ...IntrospectorOption) *Introspector {
	i := &Introspector{
		client:  client,
		logger:  logger,
		retries: defaultIntrospectionRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Introspector) FetchSDL(ctx context.Context, src Source) (string, error) {
	header := ResolveHeaders(src.SchemaHeaders, nil, i.env)
	op := httpclient.Operation{
		Query:         introspection.Query,
		OperationName: introspection.OperationName,
	}

	var data []byte
	attempt := 0
	operation := func() error {
		attempt++
		response, err := httpclient.Do(ctx, i.client, src.Endpoint, header, op)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("introspection returned status %d", response.StatusCode)
		}

		data, err = extractSchema(response.Body)
		if err != nil {
			if response.StatusCode >= http.StatusBadRequest {
				err = fmt.Errorf("introspection returned status %d: %w", response.StatusCode, err)
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		i.logger.Warn("retrying source introspection",
			abstractlogger.String("source", src.Name),
			abstractlogger.Int("attempt", attempt),
			abstractlogger.String("wait", wait.String()),
			abstractlogger.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(i.backoff(), i.retries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", err
	}

	converter := introspection.JsonConverter{}
	return converter.SDL(bytes.NewReader(data))
}

// extractSchema returns the data object of an introspection response or the GraphQL errors
// the upstream reported.
func extractSchema(body []byte) ([]byte, error) {
	if errorsValue, dataType, _, err := jsonparser.Get(body, "errors"); err == nil && dataType == jsonparser.Array {
		var messages []string
		_, _ = jsonparser.ArrayEach(errorsValue, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
			message, err := jsonparser.GetString(value, "message")
			if err == nil {
				messages = append(messages, message)
			}
		})
		if len(messages) != 0 {
			return nil, fmt.Errorf("introspection errors: %s", strings.Join(messages, "; "))
		}
	}

	data, dataType, _, err := jsonparser.Get(body, "data")
	if err != nil || dataType != jsonparser.Object {
		return nil, errors.New("introspection response has no data object")
	}
	if _, _, _, err := jsonparser.Get(data, "__schema"); err != nil {
		return nil, errors.New("introspection response has no __schema")
	}
	return data, nil
}
