package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"

	"github.com/javajoker/imi-licensing/internal/i18n"
)

type MiddlewareTestSuite struct {
	suite.Suite
}

func (suite *MiddlewareTestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	suite.Require().NoError(i18n.Initialize())
}

func (suite *MiddlewareTestSuite) TestParseLanguage() {
	suite.Require().Equal("zh_TW", parseLanguage("zh-TW,zh;q=0.9,en;q=0.8", "en"))
	suite.Require().Equal("zh_CN", parseLanguage("zh", "en"))
	suite.Require().Equal("en", parseLanguage("en-GB;q=0.7", "zh_CN"))
	suite.Require().Equal("en", parseLanguage("", "en"))
	suite.Require().Equal("en", parseLanguage("fr-FR", "en"))
}

func (suite *MiddlewareTestSuite) TestRateLimiterKeysByCaller() {
	limiter := NewRateLimiter(rate.Limit(0.001), 1)
	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	suite.Require().Equal(http.StatusNoContent, call("10.0.0.1:1000"))
	suite.Require().Equal(http.StatusTooManyRequests, call("10.0.0.1:1001"))
	suite.Require().Equal(http.StatusNoContent, call("10.0.0.2:1000"))
}

func (suite *MiddlewareTestSuite) TestRequestContextSetsRequestID() {
	r := gin.New()
	r.Use(RequestContext())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	suite.Require().Equal("req-123", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	suite.Require().NotEmpty(w.Header().Get(RequestIDHeader))
}

func TestMiddlewareTestSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareTestSuite))
}
