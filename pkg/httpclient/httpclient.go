// Package httpclient sends GraphQL operations to upstream sources over HTTP.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/sjson"
)

const (
	ContentEncodingHeader = "Content-Encoding"
	AcceptEncodingHeader  = "Accept-Encoding"
	AcceptHeader          = "Accept"
	ContentTypeHeader     = "Content-Type"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"

	ContentTypeJSON = "application/json"
)

var DefaultNetHttpClient = &http.Client{
	Timeout: time.Second * 10,
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 1024,
		TLSHandshakeTimeout: 0 * time.Second,
	},
}

// Operation is a single GraphQL request sent to an upstream source.
type Operation struct {
	Query         string
	OperationName string
	// Variables is a raw JSON object, nil when the operation has no variables.
	Variables []byte
}

// Body renders the operation as a GraphQL over HTTP request body.
func (o Operation) Body() ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "query", o.Query)
	if err != nil {
		return nil, err
	}
	if o.OperationName != "" {
		if body, err = sjson.SetBytes(body, "operationName", o.OperationName); err != nil {
			return nil, err
		}
	}
	if len(o.Variables) != 0 && !bytes.Equal(o.Variables, []byte("null")) {
		if body, err = sjson.SetRawBytes(body, "variables", o.Variables); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Details describe the upstream exchange for the response extensions.
type Details struct {
	SourceName   string              `json:"sourceName"`
	Method       string              `json:"method"`
	URL          string              `json:"url"`
	StatusCode   int                 `json:"status"`
	ResponseTime time.Duration       `json:"-"`
	ResponseMS   float64             `json:"responseTime"`
	Header       map[string][]string `json:"responseHeaders,omitempty"`
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Details    Details
}

// Do posts op to url with the given header and returns the decoded response body. A non-2xx
// status is not an error here: GraphQL servers commonly report failures in the body.
func Do(ctx context.Context, client *http.Client, url string, header http.Header, op Operation) (*Response, error) {
	body, err := op.Body()
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		for _, value := range values {
			if value == "" {
				continue
			}
			request.Header.Add(key, value)
		}
	}

	request.Header.Set(AcceptHeader, ContentTypeJSON)
	request.Header.Set(ContentTypeHeader, ContentTypeJSON)
	request.Header.Set(AcceptEncodingHeader, EncodingGzip)
	request.Header.Add(AcceptEncodingHeader, EncodingDeflate)
	request.Header.Add(AcceptEncodingHeader, EncodingBrotli)

	start := time.Now()
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	respReader, err := respBodyReader(response)
	if err != nil {
		return nil, err
	}
	defer respReader.Close()

	out, err := io.ReadAll(respReader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	elapsed := time.Since(start)

	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       out,
		Details: Details{
			Method:       http.MethodPost,
			URL:          url,
			StatusCode:   response.StatusCode,
			ResponseTime: elapsed,
			ResponseMS:   float64(elapsed.Microseconds()) / 1000,
			Header:       response.Header.Clone(),
		},
	}, nil
}

func respBodyReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get(ContentEncodingHeader) {
	case EncodingGzip:
		return gzip.NewReader(resp.Body)
	case EncodingDeflate:
		return flate.NewReader(resp.Body), nil
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}
