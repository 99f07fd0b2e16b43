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

// Render task states reported by the renderer.
const (
	RenderPending   = "pending"
	RenderRunning   = "running"
	RenderCompleted = "done"
	RenderFailed    = "failed"
)

type RenderedArtifact struct {
	FileKind    string `json:"kind"`
	StorageRef  string `json:"storage_ref"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum"`
}

type RenderStatus struct {
	State     string             `json:"state"`
	Artifacts []RenderedArtifact `json:"artifacts"`
	Error     string             `json:"error,omitempty"`
}

func (s RenderStatus) Finished() bool {
	return s.State == RenderCompleted || s.State == RenderFailed
}

// Renderer turns an export bundle into report files. jobRef is the
// generation job id and comes back on callbacks.
type Renderer interface {
	Submit(ctx context.Context, jobRef, templateKey string, bundle json.RawMessage) (renderId string, err error)
	Status(ctx context.Context, renderId string) (RenderStatus, error)
}

type renderSubmitRequest struct {
	JobRef      string          `json:"job_ref"`
	TemplateKey string          `json:"template_key"`
	Bundle      json.RawMessage `json:"bundle"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

type renderSubmitResponse struct {
	ID string `json:"id"`
}

type HTTPRenderer struct {
	api         *apiClient
	callbackURL string
}

func NewHTTPRenderer(baseURL, token, callbackURL string, perSecond float64) *HTTPRenderer {
	return &HTTPRenderer{
		api:         newAPIClient("renderer", baseURL, token, 30*time.Second, perSecond),
		callbackURL: callbackURL,
	}
}

// NewHTTPRendererFromEnv reads RENDERER_API_URL, RENDERER_API_TOKEN,
// RENDER_CALLBACK_URL and RENDERER_RATE_PER_SECOND (default 5).
func NewHTTPRendererFromEnv() *HTTPRenderer {
	rps := float64(utils.IntFromEnv("RENDERER_RATE_PER_SECOND", 5))
	return NewHTTPRenderer(os.Getenv("RENDERER_API_URL"), os.Getenv("RENDERER_API_TOKEN"), os.Getenv("RENDER_CALLBACK_URL"), rps)
}

func (r *HTTPRenderer) Submit(ctx context.Context, jobRef, templateKey string, bundle json.RawMessage) (string, error) {
	var resp renderSubmitResponse
	req := renderSubmitRequest{JobRef: jobRef, TemplateKey: templateKey, Bundle: bundle, CallbackURL: r.callbackURL}
	if err := r.api.do(ctx, http.MethodPost, "/v1/render-jobs", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", fmt.Errorf("renderer returned no render id")
	}
	return resp.ID, nil
}

func (r *HTTPRenderer) Status(ctx context.Context, renderId string) (RenderStatus, error) {
	var resp RenderStatus
	if err := r.api.do(ctx, http.MethodGet, "/v1/render-jobs/"+url.PathEscape(renderId), nil, &resp); err != nil {
		return RenderStatus{}, err
	}
	resp.State = strings.ToLower(strings.TrimSpace(resp.State))
	return resp, nil
}
