package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"golang.org/x/oauth2"
)

const maxErrorBody = 4 << 10

// jsonCaller performs JSON requests against a vendor REST API and turns
// failures into ProviderErrors.
type jsonCaller struct {
	client   *http.Client
	provider string
}

func (c jsonCaller) do(ctx context.Context, op, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return domainErrors.NewProviderError(c.provider, op, domainErrors.KindPermanent, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return domainErrors.NewProviderError(c.provider, op, domainErrors.KindPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		pe := domainErrors.NewProviderError(c.provider, op, domainErrors.KindForStatus(resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(msg))))
		pe.StatusCode = resp.StatusCode
		return pe
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domainErrors.NewProviderError(c.provider, op, domainErrors.KindRetryable, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c jsonCaller) transportError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		pe := domainErrors.NewProviderError(c.provider, op, domainErrors.KindForStatus(re.Response.StatusCode),
			fmt.Errorf("token request failed: %s", re.ErrorCode))
		pe.StatusCode = re.Response.StatusCode
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return domainErrors.NewProviderError(c.provider, op, domainErrors.KindPermanent, err)
	}
	return domainErrors.NewProviderError(c.provider, op, domainErrors.KindRetryable, fmt.Errorf("network error: %w", err))
}
