// internal/middleware/idempotency.go
package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/logger"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

const (
	IdempotencyKeyHeader   = "Idempotency-Key"
	IdempotentReplayHeader = "Idempotent-Replayed"
	maxIdempotencyKeyLen   = 255
)

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a retried mutating request
// carrying an Idempotency-Key header. Requests without the header pass through.
// It must run after AuthRequired so the key is scoped to the actor.
func Idempotency(svc *services.IdempotencyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		lang := utils.GetLangFromContext(c)
		if len(key) > maxIdempotencyKeyLen {
			utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyIdempotencyKeyInvalid), nil)
			c.Abort()
			return
		}

		scope := "anonymous"
		if actor, ok := utils.GetActorFromContext(c); ok {
			scope = actor.ID.String()
		}

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}
		hash := services.HashRequest([]byte(c.Request.Method), []byte(c.Request.URL.Path), requestBody)

		ctx := c.Request.Context()
		stored, err := svc.Begin(ctx, scope, key, hash)
		if err != nil {
			utils.AppErrorResponse(c, err)
			c.Abort()
			return
		}
		if stored != nil {
			c.Header(IdempotentReplayHeader, "true")
			c.Data(stored.ResponseCode, "application/json; charset=utf-8", stored.ResponseBody)
			c.Abort()
			return
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw
		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			if err := svc.Abandon(ctx, scope, key); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("Failed to release idempotency key")
			}
			return
		}
		if err := svc.Complete(ctx, scope, key, hash, status, blw.body.Bytes()); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to store idempotent response")
		}
	}
}
