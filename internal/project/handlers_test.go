package project

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(f *fixture) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	NewHandler(f.svc).RegisterProtectedRoutes(v1)
	return r
}

func do(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTP_ProjectLifecycle(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := do(r, http.MethodPost, "/v1/organizations/org_1/projects", "owner", CreateRequest{Name: "Website"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Project Project `json:"project"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(r, http.MethodPost, "/v1/organizations/org_1/projects", "owner", CreateRequest{Name: "Mobile"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "limit_exceeded")
	assert.Contains(t, w.Body.String(), "Project limit reached (1/1)")

	w = do(r, http.MethodGet, "/v1/organizations/org_1/projects", "member", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"has_more":false`)

	w = do(r, http.MethodGet, "/v1/organizations/org_1/projects?limit=0", "member", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodGet, "/v1/organizations/org_1/projects?cursor=%21%21", "member", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/organizations/org_1/projects/"+created.Project.ID, "member", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodDelete, "/v1/organizations/org_1/projects/"+created.Project.ID, "member", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodDelete, "/v1/organizations/org_1/projects/"+created.Project.ID, "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/organizations/org_1/projects/"+created.Project.ID, "owner", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_CreateProject_BadBody(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/v1/organizations/org_1/projects", bytes.NewBufferString("{"))
	req.Header.Set("X-Test-User", "owner")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
