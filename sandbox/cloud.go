package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chimerasec/chimera/store"
)

// CloudExecutor submits files to a hosted detonation provider and polls
// for the finished report. The provider speaks a minimal two-endpoint
// protocol: POST /submit returns a submission id, GET /results/{id}
// returns a status plus threat score once complete.
type CloudExecutor struct {
	BaseURL      string
	APIKey       string
	Provider     string        // provider name recorded in observations
	PollInterval time.Duration // default 5s
	HTTPClient   *http.Client
}

func (e *CloudExecutor) defaults() {
	if e.PollInterval <= 0 {
		e.PollInterval = 5 * time.Second
	}
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if e.Provider == "" {
		e.Provider = "cloud"
	}
}

func (e *CloudExecutor) Run(ctx context.Context, job *store.Job, content []byte, env Environment, progress func(int)) (*Report, error) {
	e.defaults()

	id, err := e.submit(ctx, job, content, env)
	if err != nil {
		return nil, err
	}
	progress(10)

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()
	pct := 10
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		done, score, verdict, err := e.poll(ctx, id)
		if err != nil {
			return nil, err
		}
		if done {
			progress(95)
			return &Report{Observations: []Observation{{
				Category: "behavior",
				Score:    score,
				Weight:   1,
				Detail:   fmt.Sprintf("%s verdict: %s (score %.0f)", e.Provider, verdict, score),
				Tags:     []string{e.Provider + "_" + verdict},
			}}}, nil
		}
		if pct < 90 {
			pct += 10
		}
		progress(pct)
	}
}

func (e *CloudExecutor) submit(ctx context.Context, job *store.Job, content []byte, env Environment) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.BaseURL+"/submit?environment="+env.Name, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", job.Filename)
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloud submit: http %d", resp.StatusCode)
	}

	var out struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("cloud submit: decode: %w", err)
	}
	if out.SubmissionID == "" {
		return "", fmt.Errorf("cloud submit: empty submission id")
	}
	return out.SubmissionID, nil
}

func (e *CloudExecutor) poll(ctx context.Context, id string) (done bool, score float64, verdict string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/results/"+id, nil)
	if err != nil {
		return false, 0, "", err
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return false, 0, "", fmt.Errorf("cloud poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, 0, "", fmt.Errorf("cloud poll: http %d", resp.StatusCode)
	}

	var out struct {
		Status      string  `json:"status"`
		ThreatScore float64 `json:"threat_score"`
		Verdict     string  `json:"verdict"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return false, 0, "", fmt.Errorf("cloud poll: decode: %w", err)
	}
	return out.Status == "completed", out.ThreatScore, out.Verdict, nil
}
