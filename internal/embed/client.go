package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tabsense/internal/jobstate"
)

// healthCheckInterval is the minimum gap between real health probes;
// callers inside the window get the cached verdict.
const healthCheckInterval = 10 * time.Second

// Client talks to the embedding batch service's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client

	healthMu       sync.Mutex
	healthAt       time.Time
	healthOK       bool
	healthInFlight chan struct{}
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SubmitAutoBatch hands the entire chunk set to the service and lets it
// split the work into batches.
func (c *Client) SubmitAutoBatch(ctx context.Context, jobID string, chunks []Chunk) (*AutoBatchResult, error) {
	body := map[string]interface{}{
		"job_id": jobID,
		"chunks": toPayload(chunks),
	}
	var res AutoBatchResult
	if err := c.post(ctx, "/api/embeddings/job/auto-batch", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitBatch submits one manually assembled batch.
func (c *Client) SubmitBatch(ctx context.Context, jobID string, chunks []Chunk) (*BatchResult, error) {
	body := map[string]interface{}{
		"chunks": toPayload(chunks),
	}
	if jobID != "" {
		body["job_id"] = jobID
	}
	var res BatchResult
	if err := c.post(ctx, "/api/embeddings/batch", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitTask submits a single chunk outside any batch.
func (c *Client) SubmitTask(ctx context.Context, chunk Chunk) (string, error) {
	body := chunkPayload{ChunkID: chunk.ID, Text: chunk.Text}
	var res struct {
		TaskID string `json:"task_id"`
	}
	if err := c.post(ctx, "/api/embeddings/task", body, &res); err != nil {
		return "", err
	}
	return res.TaskID, nil
}

// TaskStatus fetches the current state of one task. This is the poll
// fallback's authoritative source.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var res TaskStatus
	if err := c.get(ctx, "/api/embeddings/task/"+url.PathEscape(taskID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Job fetches the full metrics object for one job.
func (c *Client) Job(ctx context.Context, jobID string) (*jobstate.Job, error) {
	var res jobstate.Job
	if err := c.get(ctx, "/api/embeddings/job/"+url.PathEscape(jobID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Jobs lists jobs, optionally limited and filtered by status.
func (c *Client) Jobs(ctx context.Context, limit int, status string) ([]jobstate.Job, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/api/embeddings/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res struct {
		Jobs []jobstate.Job `json:"jobs"`
	}
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/embeddings/job/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("embedding service error: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) JobsCount(ctx context.Context, status string) (int, error) {
	path := "/api/embeddings/jobs/count"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var res struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, path, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) QueueStatus(ctx context.Context) (*jobstate.Queue, error) {
	var res jobstate.Queue
	if err := c.get(ctx, "/api/queue/status", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueueMetrics returns the combined queue and worker snapshot.
func (c *Client) QueueMetrics(ctx context.Context) (*jobstate.Queue, *jobstate.Workers, error) {
	var res struct {
		jobstate.Queue
		Workers jobstate.Workers `json:"workers"`
	}
	if err := c.get(ctx, "/api/queue/metrics", &res); err != nil {
		return nil, nil, err
	}
	return &res.Queue, &res.Workers, nil
}

// Healthy reports whether the service responds on /health. Probes are
// throttled: within healthCheckInterval the cached verdict is returned,
// and concurrent callers collapse into the in-flight probe.
func (c *Client) Healthy(ctx context.Context) bool {
	c.healthMu.Lock()
	if time.Since(c.healthAt) < healthCheckInterval && !c.healthAt.IsZero() {
		ok := c.healthOK
		c.healthMu.Unlock()
		return ok
	}
	if c.healthInFlight != nil {
		wait := c.healthInFlight
		c.healthMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		c.healthMu.Lock()
		ok := c.healthOK
		c.healthMu.Unlock()
		return ok
	}
	probe := make(chan struct{})
	c.healthInFlight = probe
	c.healthMu.Unlock()

	ok := c.probeHealth(ctx)

	c.healthMu.Lock()
	c.healthOK = ok
	c.healthAt = time.Now()
	c.healthInFlight = nil
	c.healthMu.Unlock()
	close(probe)
	return ok
}

func (c *Client) probeHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service error: %d %s", resp.StatusCode, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", req.URL.Path, err)
	}
	return nil
}

func toPayload(chunks []Chunk) []chunkPayload {
	out := make([]chunkPayload, len(chunks))
	for i, c := range chunks {
		out[i] = chunkPayload{ChunkID: c.ID, Text: c.Text}
	}
	return out
}
