package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientErrorMapping(t *testing.T) {
	var gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"n": 12345678901234567890}`))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`nope`))
		case "/garbage":
			_, _ = w.Write([]byte(`{not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newAPIClient("svc", srv.URL+"/", "", 0, 0)
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")

	var out map[string]any
	require.NoError(t, c.do(ctx, http.MethodGet, "/ok", nil, &out))
	assert.Equal(t, json.Number("12345678901234567890"), out["n"])
	assert.Equal(t, "corr-1", gotCorrelation)

	assert.True(t, errors.Is(c.do(ctx, http.MethodGet, "/missing", nil, nil), errNotFound))
	assert.Equal(t, utils.KindDependencyUnavailable, utils.KindOf(c.do(ctx, http.MethodGet, "/busy", nil, nil)))
	assert.Equal(t, utils.KindDependencyUnavailable, utils.KindOf(c.do(ctx, http.MethodGet, "/garbage", nil, &out)))

	err := c.do(ctx, http.MethodGet, "/bad", nil, nil)
	require.Error(t, err)
	assert.Equal(t, utils.ErrorKind(""), utils.KindOf(err))
	assert.Contains(t, err.Error(), "422")
}

func TestAPIClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newAPIClient("renderer", url, "", 0, 0)
	err := c.do(context.Background(), http.MethodGet, "/x", nil, nil)
	assert.True(t, errors.Is(err, &utils.Error{Kind: utils.KindDependencyUnavailable, Code: "renderer_unavailable"}))
}

func TestHTTPExtractor(t *testing.T) {
	var submitted extractTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/extract/task":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			if submitted.Kind == "BROKEN" {
				_, _ = w.Write([]byte(`{"code": 7, "msg": "unsupported kind"}`))
				return
			}
			_, _ = w.Write([]byte(`{"code": 0, "msg": "ok", "data": {"task_id": "task-42"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/extract/task/task-42":
			_, _ = w.Write([]byte(`{"code": 0, "data": {"state": "DONE", "fields": {"survey_number": "12/4A"}, "text": "deed"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/extract/task/task-43":
			_, _ = w.Write([]byte(`{"code": 0, "data": {"state": "running"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := NewHTTPExtractor(srv.URL, "tok", 0)
	ctx := context.Background()

	taskId, err := x.Submit(ctx, "https://signed/url", "job-1", "OCR_FIELDS")
	require.NoError(t, err)
	assert.Equal(t, "task-42", taskId)
	assert.Equal(t, extractTaskRequest{URL: "https://signed/url", DataID: "job-1", Kind: "OCR_FIELDS"}, submitted)

	_, err = x.Submit(ctx, "https://signed/url", "job-2", "BROKEN")
	assert.ErrorContains(t, err, "unsupported kind")

	st, err := x.Status(ctx, "task-42")
	require.NoError(t, err)
	assert.Equal(t, ExtractionDone, st.State)
	assert.True(t, st.Finished())

	st, err = x.Status(ctx, "task-43")
	require.NoError(t, err)
	assert.False(t, st.Finished())

	raw, err := extractionResult("task-42", ExtractionStatus{State: ExtractionDone, Text: "deed"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"task-42","fields":{},"text":"deed"}`, string(raw))
}

func TestHTTPRenderer(t *testing.T) {
	var submitted renderSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/render-jobs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_, _ = w.Write([]byte(`{"id": "render-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/render-jobs/render-1":
			_, _ = w.Write([]byte(`{"state": "done", "artifacts": [{"kind": "pdf", "storage_ref": "gs://out/r1.pdf", "content_type": "application/pdf", "checksum": "abc"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, "", "https://api/callbacks/render", 0)
	id, err := r.Submit(context.Background(), "job-1", "SBI_LAP", json.RawMessage(`{"schema_version":"repogen.export/v1"}`))
	require.NoError(t, err)
	assert.Equal(t, "render-1", id)
	assert.Equal(t, "job-1", submitted.JobRef)
	assert.Equal(t, "https://api/callbacks/render", submitted.CallbackURL)
	assert.JSONEq(t, `{"schema_version":"repogen.export/v1"}`, string(submitted.Bundle))

	st, err := r.Status(context.Background(), "render-1")
	require.NoError(t, err)
	assert.True(t, st.Finished())
	assert.Equal(t, RenderCompleted, st.State)
	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, "gs://out/r1.pdf", st.Artifacts[0].StorageRef)
	assert.Equal(t, "pdf", st.Artifacts[0].FileKind)

	_, err = r.Status(context.Background(), "render-unknown")
	assert.True(t, errors.Is(err, errNotFound))
}
