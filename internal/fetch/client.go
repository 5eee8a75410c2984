// Package fetch resolves the market parameters and the stake snapshot a
// distribution cycle is computed against. Every external lookup goes through
// WithFailover, so each has a primary source, an optional backup and
// bounded retries.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// NewHTTPClient creates an HTTP client that retries transport errors and 5xx
// responses retryMax times before giving up.
func NewHTTPClient(timeout time.Duration, retryMax int) *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	hc := c.StandardClient()
	hc.Timeout = timeout
	return hc
}

// getJSON performs a GET and decodes a JSON body into out.
func getJSON(ctx context.Context, client *http.Client, rawURL string, query url.Values, out interface{}) error {
	if rawURL == "" {
		return fmt.Errorf("source URL not configured")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid source URL %q: %w", rawURL, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching %s", u.Redacted())
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d, body: %s", u.Host, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response from %s: %w", u.Host, err)
	}
	return nil
}
