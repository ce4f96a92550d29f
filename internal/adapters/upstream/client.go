// Package upstream implements the log stream accessor against the
// provisioning control server's HTTP API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"eca.monitor/internal/core/circuitbreaker"
	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/ports"
)

type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.LogSource = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New("upstream-log-api"),
	}
}

// logResponse mirrors the upstream's /api/jobs/{id}/log payload. The server
// sends the log text under both "log" and "text"; "note" replaces it when
// no log file exists yet.
type logResponse struct {
	Log         string                      `json:"log"`
	Text        string                      `json:"text"`
	Note        string                      `json:"note"`
	Status      domain.RunStatus            `json:"status"`
	GroupStatus domain.GroupStatus          `json:"groupStatus"`
	Offset      int64                       `json:"offset"`
	Size        int64                       `json:"size"`
	MultiGroup  bool                        `json:"multiGroup"`
	Groups      map[string]domain.GroupMeta `json:"groups"`
}

// Fetch returns the log bytes accumulated upstream since offset for one
// stream key. A zero offset asks for the full log; the upstream may clamp
// that to its tail and answer with a cursor ahead of the request, which
// callers must accept as the new baseline.
func (c *Client) Fetch(ctx context.Context, jobID, groupID string, offset int64) (*domain.LogChunk, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if groupID != "" {
		q.Set("group", groupID)
	}
	return c.getLog(ctx, jobID, q)
}

// Overview fetches the multi-group metadata response (no group selected).
// For single-run jobs this is identical to a full-log fetch.
func (c *Client) Overview(ctx context.Context, jobID string) (*domain.LogChunk, error) {
	return c.getLog(ctx, jobID, url.Values{})
}

func (c *Client) getLog(ctx context.Context, jobID string, q url.Values) (*domain.LogChunk, error) {
	u := fmt.Sprintf("%s/api/jobs/%s/log", c.baseURL, url.PathEscape(jobID))
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var resp logResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.NetworkError{Op: "decode log response", Err: err}
	}

	chunk := &domain.LogChunk{
		Text:        resp.Text,
		Offset:      resp.Offset,
		Size:        resp.Size,
		Status:      resp.Status,
		GroupStatus: resp.GroupStatus,
		MultiGroup:  resp.MultiGroup,
		Groups:      resp.Groups,
		Note:        resp.Note,
	}
	if chunk.Text == "" {
		chunk.Text = resp.Log
	}
	// "No run started yet." style notes carry the message as text too;
	// that is status information, not log content.
	if resp.Note != "" && chunk.Text == resp.Note {
		chunk.Text = ""
	}
	return chunk, nil
}

// Stop cancels one group (or the whole job when groupID is empty). The
// engine treats the next poll's reported status as authoritative regardless
// of this call's outcome.
func (c *Client) Stop(ctx context.Context, jobID, groupID string) error {
	payload := map[string]string{}
	if groupID != "" {
		payload["groupId"] = groupID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/jobs/%s/stop", c.baseURL, url.PathEscape(jobID))
	_, err = c.do(ctx, http.MethodPost, u, data)
	return err
}

// Ping checks upstream reachability. It bypasses the breaker so health
// probes keep reporting while the poll path is tripped open.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: "ping upstream", Err: err}
	}
	resp.Body.Close()
	return nil
}

// do executes one request under the circuit breaker. Transport failures and
// an open breaker both surface as NetworkError; non-2xx responses surface
// as HTTPError with the status attached, never as a panic or a swallowed
// body.
func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var out []byte
	var softErr error // non-retryable 4xx: reported, but not a breaker failure
	err := c.breaker.Execute(ctx, func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &domain.NetworkError{Op: method + " " + u, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return &domain.NetworkError{Op: "read response", Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			httpErr := &domain.HTTPError{Status: resp.StatusCode, Body: string(data)}
			if !domain.Retryable(httpErr) {
				softErr = httpErr
				return nil
			}
			return httpErr
		}
		out = data
		return nil
	})
	if err == circuitbreaker.ErrCircuitOpen {
		return nil, &domain.NetworkError{Op: "circuit open", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if softErr != nil {
		return nil, softErr
	}
	return out, nil
}
