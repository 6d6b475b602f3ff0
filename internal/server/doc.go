// Package server hosts the Fiber HTTP service: the middleware chain that
// assigns request ids, the registry that resolves the Host header to an
// upstream gem source, and the shared upstream client constructor. Endpoint
// logic lives in the proxy package and is injected through ProxyHandler so
// tests can substitute fake handlers.
package server
