package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/upstreams 与 /-/metrics 诊断接口，供运维查询上游绑定与指标。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.UpstreamRegistry, reg *metrics.Registry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/upstreams", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":   version.Full(),
			"upstreams": encodeUpstreams(registry.List()),
		})
	})

	app.Get("/-/upstreams/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "upstream_name_required"})
		}
		route, ok := registry.Find(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "upstream_not_found"})
		}
		return c.JSON(encodeUpstream(*route))
	})

	if reg != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(reg.Handler()))
	}
}

type upstreamPayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain,omitempty"`
	Host       string `json:"host"`
	Identifier string `json:"identifier"`
	AuthMode   string `json:"auth_mode"`
	UserAgent  string `json:"user_agent,omitempty"`
	Port       int    `json:"port"`
	Default    bool   `json:"default"`
}

// encodeUpstreams 默认路由排在首位，其余按名称排序。
func encodeUpstreams(routes []server.UpstreamRoute) []upstreamPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Default != routes[j].Default {
			return routes[i].Default
		}
		return routes[i].Name < routes[j].Name
	})
	result := make([]upstreamPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeUpstream(route))
	}
	return result
}

// encodeUpstream 不输出原始 URL，避免泄露 userinfo 凭证。
func encodeUpstream(route server.UpstreamRoute) upstreamPayload {
	return upstreamPayload{
		Name:       route.Name,
		Domain:     route.Domain,
		Host:       route.Source.Host(),
		Identifier: route.Source.Identifier(),
		AuthMode:   route.AuthMode(),
		UserAgent:  route.Source.UserAgent(),
		Port:       route.ListenPort,
		Default:    route.Default,
	}
}
