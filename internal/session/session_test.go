package session

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mw, err := Middleware(Options{})
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw)
	router.POST("/record/:id", func(c *gin.Context) {
		if err := RecordJob(c, c.Param("id")); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.POST("/forget/:id", func(c *gin.Context) {
		if err := ForgetJobs(c, c.Param("id")); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/jobs", func(c *gin.Context) {
		c.String(http.StatusOK, strings.Join(RecentJobs(c), ","))
	})
	return router
}

// do はリクエストを送り、返された Cookie を次のリクエストへ引き継ぎます。
func do(router *gin.Engine, method, path string, cookies []*http.Cookie) (*httptest.ResponseRecorder, []*http.Cookie) {
	req := httptest.NewRequest(method, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if set := rec.Result().Cookies(); len(set) > 0 {
		cookies = set
	}
	return rec, cookies
}

func TestRecordAndListJobs(t *testing.T) {
	router := newRouter(t)
	var cookies []*http.Cookie

	for _, id := range []string{"a", "b", "a"} {
		var rec *httptest.ResponseRecorder
		rec, cookies = do(router, http.MethodPost, "/record/"+id, cookies)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec, _ := do(router, http.MethodGet, "/jobs", cookies)
	assert.Equal(t, "a,b", rec.Body.String())

	rec, cookies = do(router, http.MethodPost, "/forget/b", cookies)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = do(router, http.MethodGet, "/jobs", cookies)
	assert.Equal(t, "a", rec.Body.String())
}

func TestRecentJobsAreBounded(t *testing.T) {
	router := newRouter(t)
	var cookies []*http.Cookie
	for i := 0; i < MaxRecentJobs+5; i++ {
		_, cookies = do(router, http.MethodPost, fmt.Sprintf("/record/job-%d", i), cookies)
	}

	rec, _ := do(router, http.MethodGet, "/jobs", cookies)
	ids := strings.Split(rec.Body.String(), ",")
	require.Len(t, ids, MaxRecentJobs)
	assert.Equal(t, fmt.Sprintf("job-%d", MaxRecentJobs+4), ids[0])
}

func TestEmptySession(t *testing.T) {
	router := newRouter(t)
	rec, _ := do(router, http.MethodGet, "/jobs", nil)
	assert.Empty(t, rec.Body.String())
}
