package proxy

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/fetch"
	"github.com/indirect/gemstash/internal/gems"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
	"github.com/indirect/gemstash/internal/upstream"
)

// 错误码会出现在 JSON 响应体 {"error": code} 中。
const (
	codeInvalidSelection = "invalid_selection"
	codeInvalidUpstream  = "invalid_upstream"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeUpstreamFailed   = "upstream_failed"
	codeInvalidGem       = "invalid_gem"
	codeVersionExists    = "version_exists"
	codeVersionYanked    = "version_yanked"
	codeVersionNotYanked = "version_not_yanked"
	codeInternal         = "internal_error"
	codeHandlerPanic     = "handler_panic"
)

// errNotFound 用于请求路径本身无效的情况。
var errNotFound = errors.New("proxy: not found")

// classify 将领域错误映射为 HTTP 状态码与错误码。
func classify(err error) (int, string) {
	var fetchErr *fetch.FetchError
	switch {
	case errors.Is(err, specs.ErrConflictingSelection):
		return fiber.StatusBadRequest, codeInvalidSelection
	case errors.Is(err, upstream.ErrInvalidUpstream):
		return fiber.StatusBadRequest, codeInvalidUpstream
	case errors.Is(err, auth.ErrAuthorization):
		return fiber.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, gems.ErrInvalidGem):
		return fiber.StatusUnprocessableEntity, codeInvalidGem
	case errors.Is(err, gems.ErrExistingVersion):
		return fiber.StatusUnprocessableEntity, codeVersionExists
	case errors.Is(err, gems.ErrYankedVersion):
		return fiber.StatusUnprocessableEntity, codeVersionYanked
	case errors.Is(err, gems.ErrNotYanked):
		return fiber.StatusUnprocessableEntity, codeVersionNotYanked
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, db.ErrVersionNotFound), errors.Is(err, errNotFound):
		return fiber.StatusNotFound, codeNotFound
	case errors.As(err, &fetchErr):
		if fetchErr.NotFound() {
			return fiber.StatusNotFound, codeNotFound
		}
		return fiber.StatusBadGateway, codeUpstreamFailed
	default:
		return fiber.StatusInternalServerError, codeInternal
	}
}

// writeError 输出 JSON 错误并记录日志；5xx 记为 error，其余为 warn。
func writeError(c fiber.Ctx, logger logrus.FieldLogger, route *server.UpstreamRoute, err error) error {
	status, code := classify(err)
	fields := logrus.Fields{
		"action":     "proxy",
		"path":       string(c.Request().URI().Path()),
		"status":     status,
		"error":      code,
		"request_id": server.RequestID(c),
	}
	if route != nil {
		fields["upstream"] = route.Name
	}
	entry := logger.WithFields(fields).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}

	if status == fiber.StatusUnauthorized {
		c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="gemstash"`)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
