package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/opsboard/analyzer/internal/domain"
)

// Analyzer scores one unit of work. The production implementation talks to
// the external analysis collaborator; tests substitute their own.
type Analyzer interface {
	Analyze(ctx context.Context, kind domain.WorkItemKind, payload string) (*domain.AnalysisResult, error)
}

// AnalysisClient talks to the external analysis collaborator. CSV rows are
// scored in one synchronous call; videos go through the job API, submit then
// poll until the job reaches a terminal state.
type AnalysisClient struct {
	client       *resty.Client
	baseURL      string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// AnalysisClientConfig holds configuration for the analysis client.
type AnalysisClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// NewAnalysisClient creates a new analysis collaborator client.
func NewAnalysisClient(cfg *AnalysisClientConfig) *AnalysisClient {
	client := resty.New()
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(cfg.Timeout)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}

	return &AnalysisClient{
		client:       client,
		baseURL:      cfg.BaseURL,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

type analyzeRequest struct {
	Kind  string `json:"kind"`
	Input string `json:"input"`
}

type analyzeResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// JobResult is the collaborator's view of one analysis job.
type JobResult struct {
	Status     string             `json:"status"` // pending|processing|completed|failed
	Error      string             `json:"error,omitempty"`
	Confidence float64            `json:"confidence"`
	FlagStatus string             `json:"flag_status"`
	Issues     []string           `json:"issues,omitempty"`
	SubScores  map[string]float64 `json:"sub_scores,omitempty"`
}

type scoreResponse struct {
	Error      string             `json:"error,omitempty"`
	Confidence float64            `json:"confidence"`
	FlagStatus string             `json:"flag_status"`
	Issues     []string           `json:"issues,omitempty"`
	SubScores  map[string]float64 `json:"sub_scores,omitempty"`
}

// Score runs the synchronous scoring call. Only row-sized inputs belong
// here; anything that takes the collaborator longer than a request timeout
// goes through Submit.
func (c *AnalysisClient) Score(ctx context.Context, kind domain.WorkItemKind, payload string) (*domain.AnalysisResult, error) {
	var resp scoreResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(analyzeRequest{Kind: string(kind), Input: payload}).
		SetResult(&resp).
		Post(c.baseURL + "/score")
	if err != nil {
		return nil, &domain.TransientWorkerError{Err: fmt.Errorf("failed to score input: %w", err)}
	}
	if httpResp.IsError() {
		return nil, fmt.Errorf("analysis score returned %d: %s", httpResp.StatusCode(), resp.Error)
	}
	flag := domain.FlagStatus(resp.FlagStatus)
	if flag == "" {
		flag = domain.FlagStatusClean
	}
	return &domain.AnalysisResult{
		Confidence: resp.Confidence,
		FlagStatus: flag,
		Issues:     resp.Issues,
		SubScores:  resp.SubScores,
	}, nil
}

// Submit starts an analysis job for the given input.
func (c *AnalysisClient) Submit(ctx context.Context, kind domain.WorkItemKind, payload string) (string, error) {
	var resp analyzeResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(analyzeRequest{Kind: string(kind), Input: payload}).
		SetResult(&resp).
		Post(c.baseURL + "/analyze")
	if err != nil {
		return "", &domain.TransientWorkerError{Err: fmt.Errorf("failed to submit analysis job: %w", err)}
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("analysis submit returned %d: %s", httpResp.StatusCode(), resp.Error)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("analysis submit returned no job_id")
	}
	return resp.JobID, nil
}

// Result fetches the current state of an analysis job.
func (c *AnalysisClient) Result(ctx context.Context, jobID string) (*JobResult, error) {
	var resp JobResult
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		Get(c.baseURL + "/result/" + jobID)
	if err != nil {
		return nil, &domain.TransientWorkerError{Err: fmt.Errorf("failed to fetch analysis result: %w", err)}
	}
	if httpResp.IsError() {
		return nil, fmt.Errorf("analysis result returned %d", httpResp.StatusCode())
	}
	return &resp, nil
}

// Analyze scores CSV rows synchronously and runs everything else through
// the job API, polling until the job reaches a terminal state and honoring
// ctx cancellation between polls.
func (c *AnalysisClient) Analyze(ctx context.Context, kind domain.WorkItemKind, payload string) (*domain.AnalysisResult, error) {
	if kind == domain.WorkItemKindCSVRow {
		return c.Score(ctx, kind, payload)
	}

	jobID, err := c.Submit(ctx, kind, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		res, err := c.Result(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case "completed":
			flag := domain.FlagStatus(res.FlagStatus)
			if flag == "" {
				flag = domain.FlagStatusClean
			}
			return &domain.AnalysisResult{
				Confidence: res.Confidence,
				FlagStatus: flag,
				Issues:     res.Issues,
				SubScores:  res.SubScores,
			}, nil
		case "failed":
			return nil, fmt.Errorf("analysis job %s failed: %s", jobID, res.Error)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("analysis job %s timed out after %s", jobID, c.pollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
