// Package auth authorizes registry actions against configured API keys.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// 已知的动作与权限名。
const (
	ActionFetch = "fetch"
	ActionPush  = "push"
	ActionYank  = "yank"

	PermissionAll = "all"
)

// ErrAuthorization 表示请求被拒绝。
var ErrAuthorization = errors.New("authorization failed")

// Authorizer 校验当前请求方能否执行 action。
type Authorizer interface {
	Authorize(action string) error
}

// AuthorizerFunc 允许普通函数充当 Authorizer。
type AuthorizerFunc func(action string) error

func (f AuthorizerFunc) Authorize(action string) error {
	return f(action)
}

// AllowAll 放行所有动作，用于未开启 ProtectedFetch 的部署与测试。
var AllowAll Authorizer = AuthorizerFunc(func(string) error { return nil })

// DenyAll 拒绝所有动作。
var DenyAll Authorizer = AuthorizerFunc(func(action string) error {
	return fmt.Errorf("%w: %s not permitted", ErrAuthorization, action)
})

// Key 对应配置中的一条 [[APIKey]]。
type Key struct {
	Name        string
	Key         string
	Permissions []string
}

func (k Key) allows(action string) bool {
	for _, p := range k.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PermissionAll || p == action {
			return true
		}
	}
	return false
}

// Keyring 按 key 值索引 API key。
type Keyring struct {
	keys map[string]Key
}

// NewKeyring 校验并索引 keys：key 不能为空也不能重复。
func NewKeyring(keys []Key) (*Keyring, error) {
	ring := &Keyring{keys: make(map[string]Key, len(keys))}
	for i, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return nil, fmt.Errorf("api key #%d (%s): empty key", i, k.Name)
		}
		if _, dup := ring.keys[k.Key]; dup {
			return nil, fmt.Errorf("api key #%d (%s): duplicate key", i, k.Name)
		}
		ring.keys[k.Key] = k
	}
	return ring, nil
}

// Len 返回已配置的 key 数量。
func (r *Keyring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// For 返回绑定到某个请求 key 的 Authorizer。
func (r *Keyring) For(key string) Authorizer {
	return AuthorizerFunc(func(action string) error {
		if key == "" {
			return fmt.Errorf("%w: authorization key required", ErrAuthorization)
		}
		if r == nil {
			return fmt.Errorf("%w: authorization key is invalid", ErrAuthorization)
		}
		k, ok := r.keys[key]
		if !ok {
			return fmt.Errorf("%w: authorization key is invalid", ErrAuthorization)
		}
		if !k.allows(action) {
			return fmt.Errorf("%w: authorization key doesn't have %s access", ErrAuthorization, action)
		}
		return nil
	})
}

// KeyFromHeader 从 Authorization 头提取 key：Basic 认证取用户名，其余取原值。
func KeyFromHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, rest, found := strings.Cut(value, " ")
	if found && strings.EqualFold(scheme, "Basic") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return ""
		}
		user, _, _ := strings.Cut(string(decoded), ":")
		return user
	}
	return value
}
