// Package coeff manages payout coefficients: a mutual-exclusion-guarded
// cache refreshed on a fixed interval from an external calculator service.
//
// The calculator keeps per-session server-side state that is not safe to
// touch concurrently, even across different sessions, so every call to it
// is serialized through one guard per Cache instance.
package coeff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Grid dimensions pushed to the calculator with every parameter change.
const (
	NPriceIndex = 15
	NTimeIndex  = 8
)

// Calculator is the external coefficient calculator.
type Calculator interface {
	// Request returns the coefficient grid for one instrument as an opaque
	// string, computed for the given session.
	Request(ctx context.Context, sessionID, instrument string) (string, error)

	// Change pushes box-sizing parameters for one instrument. The
	// calculator answers "OK" on success and an error reason otherwise.
	Change(ctx context.Context, sessionID, instrument string,
		timeToFirstBox, boxHeight int, boxWidth float64,
		priceIndexCount, timeIndexCount int) (string, error)
}

// HTTPCalculator talks to the calculator's REST API.
type HTTPCalculator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCalculator creates a client for the calculator at baseURL.
func NewHTTPCalculator(baseURL string) *HTTPCalculator {
	return &HTTPCalculator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPCalculator) Request(ctx context.Context, sessionID, instrument string) (string, error) {
	q := url.Values{}
	q.Set("userId", sessionID)
	q.Set("pair", instrument)

	body, err := c.get(ctx, "/api/coeffapi/request", q)
	if err != nil {
		return "", fmt.Errorf("coefficient request %s: %w", instrument, err)
	}
	return body, nil
}

func (c *HTTPCalculator) Change(ctx context.Context, sessionID, instrument string,
	timeToFirstBox, boxHeight int, boxWidth float64,
	priceIndexCount, timeIndexCount int) (string, error) {

	q := url.Values{}
	q.Set("userId", sessionID)
	q.Set("pair", instrument)
	q.Set("timeToFirstOption", strconv.Itoa(timeToFirstBox))
	q.Set("optionLen", strconv.Itoa(boxHeight))
	q.Set("priceSize", strconv.FormatFloat(boxWidth, 'f', -1, 64))
	q.Set("nPriceIndex", strconv.Itoa(priceIndexCount))
	q.Set("nTimeIndex", strconv.Itoa(timeIndexCount))

	body, err := c.get(ctx, "/api/coeffapi/change", q)
	if err != nil {
		return "", fmt.Errorf("coefficient change %s: %w", instrument, err)
	}
	return body, nil
}

func (c *HTTPCalculator) get(ctx context.Context, path string, q url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("calculator returned %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
