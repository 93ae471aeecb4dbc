// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
)

// I18nMiddleware stores the caller's preferred locale under "lang".
func I18nMiddleware(defaultLang string) gin.HandlerFunc {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return func(c *gin.Context) {
		c.Set("lang", parseLanguage(c.GetHeader("Accept-Language"), defaultLang))
		c.Next()
	}
}

// parseLanguage handles headers like "zh-TW,zh;q=0.9,en;q=0.8" by taking the first entry.
func parseLanguage(header, defaultLang string) string {
	if header == "" {
		return defaultLang
	}
	first := strings.TrimSpace(strings.Split(strings.Split(header, ",")[0], ";")[0])
	switch first {
	case "zh-TW", "zh-Hant", "zh_TW", "zh-HK":
		return "zh_TW"
	case "zh-CN", "zh-Hans", "zh_CN", "zh":
		return "zh_CN"
	case "en", "en-US", "en-GB":
		return "en"
	}
	normalized := strings.ReplaceAll(first, "-", "_")
	for _, lang := range i18n.GetSupportedLanguages() {
		if strings.EqualFold(lang, normalized) {
			return lang
		}
	}
	return defaultLang
}
