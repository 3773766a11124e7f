package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func keyedRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyMiddleware(key))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func doPing(r *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyDisabled(t *testing.T) {
	r := keyedRouter("")
	assert.Equal(t, http.StatusOK, doPing(r, "").Code)
}

func TestAPIKeyMissing(t *testing.T) {
	r := keyedRouter("s3cret")
	w := doPing(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "api key required")
}

func TestAPIKeyWrong(t *testing.T) {
	r := keyedRouter("s3cret")
	w := doPing(r, "nope")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "api key rejected")
}

func TestAPIKeyMatch(t *testing.T) {
	r := keyedRouter("s3cret")
	assert.Equal(t, http.StatusOK, doPing(r, "s3cret").Code)
}
