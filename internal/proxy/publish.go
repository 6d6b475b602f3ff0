package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/gems"
	"github.com/indirect/gemstash/internal/server"
)

// 与 `gem push` / `gem yank` 兼容的发布接口。
const (
	pushPath   = "/api/v1/gems"
	yankPath   = "/api/v1/gems/yank"
	unyankPath = "/api/v1/gems/unyank"
)

func (h *Handler) publishEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "push", Match: exactMatcher(pushPath), Serve: h.ServePush},
		{Name: "yank", Match: exactMatcher(yankPath), Serve: h.ServeYank},
		{Name: "unyank", Match: exactMatcher(unyankPath), Serve: h.ServeUnyank},
	}
}

func exactMatcher(want string) func(string) bool {
	return func(p string) bool { return p == want }
}

// ServePush 接收 POST 的 gem 归档，需要 push 权限。
func (h *Handler) ServePush(c fiber.Ctx, route *server.UpstreamRoute, _ string) error {
	if c.Method() != http.MethodPost {
		return h.methodNotAllowed(c, http.MethodPost)
	}
	spec, err := h.publisher.Push(requestContext(c), c.Body(), h.authorizer(c))
	if err != nil {
		return writeError(c, h.logger, route, err)
	}
	h.logPublish(c, "push", spec)
	return c.SendString(fmt.Sprintf("Successfully registered gem: %s (%s)", spec.Name, spec.Version))
}

// ServeYank 处理 DELETE gem_name/version[/platform]，需要 yank 权限。
func (h *Handler) ServeYank(c fiber.Ctx, route *server.UpstreamRoute, _ string) error {
	if c.Method() != http.MethodDelete {
		return h.methodNotAllowed(c, http.MethodDelete)
	}
	spec, err := publishTarget(c)
	if err != nil {
		return writeError(c, h.logger, route, err)
	}
	if err := h.publisher.Yank(requestContext(c), spec, h.authorizer(c)); err != nil {
		return writeError(c, h.logger, route, err)
	}
	h.logPublish(c, "yank", spec)
	return c.SendString(fmt.Sprintf("Successfully yanked gem: %s (%s)", spec.Name, spec.Version))
}

// ServeUnyank 处理 PUT gem_name/version[/platform]，需要 yank 权限。
func (h *Handler) ServeUnyank(c fiber.Ctx, route *server.UpstreamRoute, _ string) error {
	if c.Method() != http.MethodPut {
		return h.methodNotAllowed(c, http.MethodPut)
	}
	spec, err := publishTarget(c)
	if err != nil {
		return writeError(c, h.logger, route, err)
	}
	if err := h.publisher.Unyank(requestContext(c), spec, h.authorizer(c)); err != nil {
		return writeError(c, h.logger, route, err)
	}
	h.logPublish(c, "unyank", spec)
	return c.SendString(fmt.Sprintf("Successfully unyanked gem: %s (%s)", spec.Name, spec.Version))
}

// publishTarget 从表单或查询串读取 gem_name / version / platform。
// 请求体按 urlencoded 表单解析，与请求方法无关。
func publishTarget(c fiber.Ctx) (gems.Spec, error) {
	form := url.Values{}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationForm) {
		form, _ = url.ParseQuery(string(c.Body()))
	}
	value := func(key string) string {
		if v := strings.TrimSpace(form.Get(key)); v != "" {
			return v
		}
		return strings.TrimSpace(c.Query(key))
	}
	spec := gems.Spec{
		Name:     value("gem_name"),
		Version:  value("version"),
		Platform: value("platform"),
	}
	if spec.Name == "" || spec.Version == "" {
		return gems.Spec{}, fmt.Errorf("%w: gem_name and version are required", gems.ErrInvalidGem)
	}
	return spec, nil
}

func (h *Handler) logPublish(c fiber.Ctx, action string, spec gems.Spec) {
	h.logger.WithFields(logrus.Fields{
		"action":     action,
		"gem":        spec.FullName(),
		"request_id": server.RequestID(c),
	}).Info("publish request completed")
}
