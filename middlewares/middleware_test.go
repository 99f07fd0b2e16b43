package middlewares

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seen struct {
	tenant  string
	actor   utils.Actor
	admin   bool
	tokenId string
	cid     string
	claims  *utils.JwtCustomClaim
}

func newTestRouter(out *seen, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		ctx := c.Request.Context()
		out.tenant, _ = utils.GetTenantIdFromContext(ctx)
		out.actor, _ = utils.GetActorFromContext(ctx)
		out.admin = utils.IsAdminContext(ctx)
		out.tokenId, _ = utils.GetTokenFromContext(ctx)
		out.cid, _ = utils.GetCorrelationIdFromContext(ctx)
		out.claims = CtxValue(ctx)
		c.Status(http.StatusNoContent)
	})
	return r
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Kind
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := utils.JwtGenerate(utils.Actor{Id: "u-1", Name: "Valuer One"}, "tenant-a", time.Hour)
	require.NoError(t, err)

	var got seen
	r := newTestRouter(&got, AuthMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tenant-a", got.tenant)
	assert.Equal(t, utils.Actor{Id: "u-1", Name: "Valuer One"}, got.actor)
	assert.False(t, got.admin)
	assert.NotEmpty(t, got.tokenId)
	require.NotNil(t, got.claims)
	assert.Equal(t, got.tokenId, got.claims.ID)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "UNAUTHORIZED", errorKind(t, w))
		})
	}
}

func TestAuthMiddlewareRejectsOtherSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "issuer-secret")
	token, err := utils.JwtGenerate(utils.Actor{Id: "u-1"}, "tenant-a", time.Hour)
	require.NoError(t, err)

	t.Setenv("JWT_SECRET", "other-secret")
	var got seen
	r := newTestRouter(&got, AuthMiddleware())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := utils.JwtGenerate(utils.Actor{Id: "u-1"}, "tenant-a", -time.Minute)
	require.NoError(t, err)

	var got seen
	r := newTestRouter(&got, AuthMiddleware())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCorrelationMiddleware(t *testing.T) {
	var got seen
	r := newTestRouter(&got, CorrelationMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(CorrelationHeader))
	assert.Equal(t, "req-42", got.cid)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationHeader, strings.Repeat("x", 200))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Len(t, got.cid, 36)
	assert.Equal(t, got.cid, w.Header().Get(CorrelationHeader))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(CorrelationHeader))
}

// Without a redis client both middlewares let every request through.
func TestRedisBackedMiddlewaresFailOpen(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := utils.JwtGenerate(utils.Actor{Id: "u-1"}, "tenant-a", time.Hour)
	require.NoError(t, err)

	var got seen
	r := newTestRouter(&got, AuthMiddleware(), SessionMiddleware(), RateLimitMiddleware(1))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
	assert.NoError(t, RevokeToken(got.tokenId, time.Now().Add(time.Hour)))
}

func TestGenerateLoaderResults(t *testing.T) {
	a, b, missing := uuid.New(), uuid.New(), uuid.New()
	assert.Empty(t, generateLoaderResults(map[uuid.UUID]int{}, nil))

	results := generateLoaderResults(map[uuid.UUID]int{a: 3, b: 5}, []uuid.UUID{b, missing, a})
	require.Len(t, results, 3)
	got := []int{results[0].Data, results[1].Data, results[2].Data}
	assert.Equal(t, []int{5, 0, 3}, got)
	for _, r := range results {
		assert.NoError(t, r.Error)
	}

	failed := handleError[int](2, assert.AnError)
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed[1].Error, assert.AnError)
}
