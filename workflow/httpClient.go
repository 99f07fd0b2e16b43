package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"golang.org/x/time/rate"
)

// errNotFound marks a collaborator 404; callers decide whether that means "absent".
var errNotFound = errors.New("collaborator resource not found")

// apiClient is the JSON-over-HTTP plumbing shared by collaborator clients.
type apiClient struct {
	service   string
	baseURL   string
	token     string
	tokenHdr  string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newAPIClient(service, baseURL, token string, timeout time.Duration, perSecond float64) *apiClient {
	c := &apiClient{
		service:   service,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		tokenHdr:  "Authorization",
		http:      &http.Client{Timeout: timeout},
		userAgent: "repogen/1",
	}
	if perSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return c
}

func (c *apiClient) configured() bool { return c != nil && c.baseURL != "" }

// do sends body (if any) as JSON and decodes a 2xx response into out.
// Transport errors and 5xx become DependencyUnavailable; 404 is errNotFound.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	if !c.configured() {
		return utils.NewDependencyUnavailable(c.service, errors.New(c.service+" endpoint is not configured"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return utils.NewDependencyUnavailable(c.service, err)
		}
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		if c.tokenHdr == "Authorization" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		} else {
			req.Header.Set(c.tokenHdr, c.token)
		}
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		req.Header.Set("X-Correlation-Id", cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return utils.NewDependencyUnavailable(c.service, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return utils.NewDependencyUnavailable(c.service, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s api error %d: %s", c.service, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return utils.NewDependencyUnavailable(c.service, fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
