package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// upstreamField 拼接 Upstream[xxx].Field 形式的字段路径。
func upstreamField(name, field string) string {
	return listField("Upstream", name, field)
}

// apiKeyField 拼接 APIKey[xxx].Field 形式的字段路径。
func apiKeyField(name, field string) string {
	return listField("APIKey", name, field)
}

func listField(section, name, field string) string {
	if name == "" {
		return fmt.Sprintf("%s[].%s", section, field)
	}
	return fmt.Sprintf("%s[%s].%s", section, name, field)
}
