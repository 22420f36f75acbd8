package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

const maxResponseBytes = 4 << 20

// KindForStatus maps an HTTP status code to a failure kind
func KindForStatus(code int) domain.ErrorKind {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusNotFound:
		return domain.KindMalformed
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return domain.KindAuth
	case code == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case code == http.StatusPaymentRequired, code == 432, code == 433:
		return domain.KindQuotaExhausted
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return domain.KindTimeout
	case code >= 500:
		return domain.KindServerError
	default:
		return domain.KindMalformed
	}
}

// jsonClient performs JSON requests for one provider
type jsonClient struct {
	provider string
	client   *http.Client
	header   http.Header
}

func newJSONClient(provider string, client *http.Client, apiKey string) *jsonClient {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return &jsonClient{provider: provider, client: client, header: h}
}

func (c *jsonClient) fail(kind domain.ErrorKind, err error) error {
	return domain.NewProviderError(c.provider, kind, err)
}

// do sends body (if non-nil) and decodes the response into out (if non-nil)
func (c *jsonClient) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return c.fail(domain.KindMalformed, eris.Wrap(err, "encoding request"))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return c.fail(domain.KindMalformed, eris.Wrap(err, "building request"))
	}
	req.Header = c.header.Clone()

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(domain.KindTimeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(domain.KindServerError, eris.Wrap(err, "sending request"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(domain.KindServerError, eris.Wrap(err, "reading response"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(KindForStatus(resp.StatusCode), eris.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(domain.KindServerError, eris.Wrapf(err, "decoding response %s", snippet(data)))
	}
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
