package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
)

func TestAnalyzeScoresCSVRowsSynchronously(t *testing.T) {
	var scoreHits, submitHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/score":
			atomic.AddInt32(&scoreHits, 1)
			var req analyzeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad score body: %v", err)
			}
			if req.Kind != "csv_row" {
				t.Errorf("score kind = %q, want csv_row", req.Kind)
			}
			json.NewEncoder(w).Encode(scoreResponse{
				Confidence: 0.85,
				FlagStatus: "flagged",
				Issues:     []string{"profanity"},
			})
		case "/analyze":
			atomic.AddInt32(&submitHits, 1)
			json.NewEncoder(w).Encode(analyzeResponse{JobID: "unexpected"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewAnalysisClient(&AnalysisClientConfig{BaseURL: server.URL, Timeout: 5 * time.Second})
	result, err := client.Analyze(context.Background(), domain.WorkItemKindCSVRow, "row,data")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.Confidence != 0.85 || result.FlagStatus != domain.FlagStatusFlagged {
		t.Errorf("result = %.2f/%s, want 0.85/flagged", result.Confidence, result.FlagStatus)
	}
	if atomic.LoadInt32(&scoreHits) != 1 {
		t.Errorf("score calls = %d, want 1", scoreHits)
	}
	if atomic.LoadInt32(&submitHits) != 0 {
		t.Errorf("row input went through the job API (%d submit calls)", submitHits)
	}
}

func TestAnalyzeRunsVideosThroughJobAPI(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/analyze":
			json.NewEncoder(w).Encode(analyzeResponse{JobID: "job-42"})
		case "/result/job-42":
			// First poll still processing, second completes.
			if atomic.AddInt32(&polls, 1) == 1 {
				json.NewEncoder(w).Encode(JobResult{Status: "processing"})
				return
			}
			json.NewEncoder(w).Encode(JobResult{Status: "completed", Confidence: 0.6, FlagStatus: "clean"})
		case "/score":
			t.Error("video input hit the synchronous endpoint")
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewAnalysisClient(&AnalysisClientConfig{
		BaseURL:      server.URL,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	result, err := client.Analyze(context.Background(), domain.WorkItemKindVideo, "http://storage/v.mp4")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.Confidence != 0.6 || result.FlagStatus != domain.FlagStatusClean {
		t.Errorf("result = %.2f/%s, want 0.60/clean", result.Confidence, result.FlagStatus)
	}
	if atomic.LoadInt32(&polls) < 2 {
		t.Errorf("polls = %d, want at least 2", polls)
	}
}

func TestAnalyzeReportsJobFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/analyze":
			json.NewEncoder(w).Encode(analyzeResponse{JobID: "job-9"})
		case "/result/job-9":
			json.NewEncoder(w).Encode(JobResult{Status: "failed", Error: "decode error"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewAnalysisClient(&AnalysisClientConfig{
		BaseURL:      server.URL,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if _, err := client.Analyze(context.Background(), domain.WorkItemKindVideo, "http://storage/v.mp4"); err == nil {
		t.Fatal("expected error for failed job")
	}
}
