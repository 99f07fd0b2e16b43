package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"bitbucket.org/mmdatafocus/repogen/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func fakeAuth(c *gin.Context) {
	ctx := utils.SetTenantIdInContext(c.Request.Context(), "tenant-a")
	ctx = utils.SetActorInContext(ctx, utils.Actor{Id: "u-1", Name: "Valuer"})
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// testRouter has no database behind it; every request here must be decided
// before the engine reaches storage.
func testRouter() *gin.Engine {
	r := gin.New()
	registerRoutes(r, &workflow.Engine{Logger: config.GetLogger()}, fakeAuth)
	r.NoRoute(customNotFoundHandler)
	return r
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{utils.NewValidationError("bad", "bad input"), http.StatusBadRequest, "VALIDATION"},
		{utils.NewPreconditionFailed("not_ready", "not ready", map[string]any{"missing": 2}), http.StatusPreconditionFailed, "PRECONDITION_FAILED"},
		{utils.NewConflictError("version_conflict", "stale"), http.StatusConflict, "CONFLICT"},
		{utils.NewDependencyUnavailable("billing", errors.New("dial tcp")), http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE"},
		{utils.NewJobFailed("render_failed", "template missing"), http.StatusUnprocessableEntity, "JOB_FAILED"},
		{utils.NewNotFound("work_order"), http.StatusNotFound, "NOT_FOUND"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			writeError(c, tc.err)
			assert.Equal(t, tc.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tc.kind, body.Kind)
			if tc.kind == "INTERNAL" {
				assert.NotContains(t, w.Body.String(), "boom")
			}
		})
	}
}

func TestWriteErrorKeepsDetails(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(c, utils.NewPreconditionFailed("readiness_incomplete", "evidence missing", map[string]any{"missing": []string{"DOCUMENT/SALE_DEED"}}))

	body := decodeError(t, w)
	assert.Equal(t, "readiness_incomplete", body.Code)
	assert.Equal(t, []any{"DOCUMENT/SALE_DEED"}, body.Details["missing"])
}

func TestParseWait(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"30s", 30 * time.Second, true},
		{"5", 5 * time.Second, true},
		{"500ms", 500 * time.Millisecond, true},
		{"10m", maxPollWait, true},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := parseWait(tc.raw)
		if !tc.ok {
			assert.True(t, errors.Is(err, utils.ErrValidation), tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestHealthzAndUnknownRoute(t *testing.T) {
	r := testRouter()
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/healthz", "").Code)

	w := do(r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "route_not_found", decodeError(t, w).Code)
}

func TestRequestValidation(t *testing.T) {
	r := testRouter()
	id := uuid.NewString()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   string
	}{
		{"malformed json", http.MethodPost, "/work-orders", `{"source_type":`, "invalid_request"},
		{"missing required", http.MethodPost, "/work-orders", `{"source_type":"BANK"}`, "invalid_request"},
		{"bad path id", http.MethodGet, "/work-orders/not-a-uuid", "", "invalid_id"},
		{"transition without target", http.MethodPost, "/work-orders/" + id + "/transitions", `{}`, "invalid_request"},
		{"release without key", http.MethodPost, "/work-orders/" + id + "/releases", `{"override":true}`, "invalid_request"},
		{"unknown billing stage", http.MethodGet, "/work-orders/" + id + "/billing-gate?stage=checkout", "", ""},
		{"pack version zero", http.MethodPost, "/work-orders/" + id + "/packs", `{"snapshot_version":0}`, "invalid_request"},
		{"empty evidence list", http.MethodPost, "/work-orders/" + id + "/evidence", `{"items":[]}`, "invalid_request"},
		{"bad wait", http.MethodGet, "/enrichment-jobs/" + id + "?wait=later", "", "invalid_wait"},
		{"bad status filter", http.MethodGet, "/work-orders?status=ARCHIVED", "", "invalid_status"},
		{"bad limit", http.MethodGet, "/work-orders?limit=-3", "", "invalid_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decodeError(t, w)
			assert.Equal(t, "VALIDATION", body.Kind)
			if tc.code != "" {
				assert.Equal(t, tc.code, body.Code)
			}
		})
	}
}

func TestMissingFieldsAreNamed(t *testing.T) {
	w := do(testRouter(), http.MethodPost, "/work-orders", `{"source_type":"BANK"}`)
	body := decodeError(t, w)
	assert.Equal(t, "required", body.Details["ReportType"])
	assert.Equal(t, "required", body.Details["BillingAccountId"])
}

func TestRenderCallbackSignature(t *testing.T) {
	r := testRouter()
	payload := `{"job_ref":"` + uuid.NewString() + `","render_id":"r-1","state":"completed"}`

	t.Setenv("RENDER_CALLBACK_SECRET", "")
	w := do(r, http.MethodPost, "/callbacks/render", payload)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	t.Setenv("RENDER_CALLBACK_SECRET", "cb-secret")
	w = do(r, http.MethodPost, "/callbacks/render", payload, workflow.RenderSignatureHeader, "sha256=00")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, w).Code)

	w = do(r, http.MethodPost, "/callbacks/render", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadinessGate(t *testing.T) {
	r := newRouter(&workflow.Engine{}, config.GetLogger(), func() bool { return false })

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/healthz", "").Code)

	w := do(r, http.MethodGet, "/work-orders", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", decodeError(t, w).Kind)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
}

func TestReadinessGateWithoutRedis(t *testing.T) {
	prevDB, prevRedis := config.GetDB(), config.GetRedisDB()
	t.Cleanup(func() {
		config.SetDB(prevDB)
		config.SetRedisClient(prevRedis)
	})
	config.SetDB(&gorm.DB{})
	config.SetRedisClient(nil)

	r := newRouter(&workflow.Engine{}, config.GetLogger(), func() bool { return true })
	w := do(r, http.MethodGet, "/no-such-route", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "a missing redis connection must not hold back traffic")

	config.SetDB(nil)
	w = do(r, http.MethodGet, "/no-such-route", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
