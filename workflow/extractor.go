package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
)

// Extraction task states reported by the extractor.
const (
	ExtractionPending    = "pending"
	ExtractionRunning    = "running"
	ExtractionConverting = "converting"
	ExtractionDone       = "done"
	ExtractionFailed     = "failed"
)

type ExtractionStatus struct {
	State  string         `json:"state"`
	Fields map[string]any `json:"fields,omitempty"`
	Text   string         `json:"text,omitempty"`
	Error  string         `json:"err_msg,omitempty"`
}

func (s ExtractionStatus) Finished() bool {
	return s.State == ExtractionDone || s.State == ExtractionFailed
}

// Extractor is the OCR collaborator: submit a signed URL, then poll the task.
type Extractor interface {
	Submit(ctx context.Context, fileURL, dataId, kind string) (taskId string, err error)
	Status(ctx context.Context, taskId string) (ExtractionStatus, error)
}

type extractTaskRequest struct {
	URL    string `json:"url"`
	DataID string `json:"data_id"`
	Kind   string `json:"kind"`
}

type extractTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

type extractStatusResponse struct {
	Code    int              `json:"code"`
	Message string           `json:"msg"`
	Data    ExtractionStatus `json:"data"`
}

// HTTPExtractor talks to a MinerU-style extraction API.
type HTTPExtractor struct {
	api *apiClient
}

func NewHTTPExtractor(baseURL, token string, perSecond float64) *HTTPExtractor {
	return &HTTPExtractor{api: newAPIClient("extractor", baseURL, token, 60*time.Second, perSecond)}
}

// NewHTTPExtractorFromEnv reads EXTRACTOR_API_URL, EXTRACTOR_API_TOKEN and
// EXTRACTOR_RATE_PER_SECOND (default 2).
func NewHTTPExtractorFromEnv() *HTTPExtractor {
	rps := float64(utils.IntFromEnv("EXTRACTOR_RATE_PER_SECOND", 2))
	return NewHTTPExtractor(os.Getenv("EXTRACTOR_API_URL"), os.Getenv("EXTRACTOR_API_TOKEN"), rps)
}

func (x *HTTPExtractor) Submit(ctx context.Context, fileURL, dataId, kind string) (string, error) {
	var resp extractTaskResponse
	err := x.api.do(ctx, http.MethodPost, "/extract/task", extractTaskRequest{URL: fileURL, DataID: dataId, Kind: kind}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("extractor rejected task: %s", resp.Message)
	}
	if strings.TrimSpace(resp.Data.TaskID) == "" {
		return "", fmt.Errorf("extractor returned no task id")
	}
	return resp.Data.TaskID, nil
}

func (x *HTTPExtractor) Status(ctx context.Context, taskId string) (ExtractionStatus, error) {
	var resp extractStatusResponse
	if err := x.api.do(ctx, http.MethodGet, "/extract/task/"+url.PathEscape(taskId), nil, &resp); err != nil {
		return ExtractionStatus{}, err
	}
	if resp.Code != 0 {
		return ExtractionStatus{}, fmt.Errorf("extractor status error: %s", resp.Message)
	}
	resp.Data.State = strings.ToLower(strings.TrimSpace(resp.Data.State))
	return resp.Data, nil
}

// extractionResult is what a DONE enrichment job stores.
func extractionResult(taskId string, s ExtractionStatus) ([]byte, error) {
	fields := s.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(map[string]any{
		"task_id": taskId,
		"fields":  fields,
		"text":    s.Text,
	})
}
