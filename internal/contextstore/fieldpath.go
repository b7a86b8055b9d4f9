package contextstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// 点分路径的根字段，同时接受下划线与驼峰两种写法
var rootAliases = map[string]string{
	"id":           "id",
	"user_id":      "user_id",
	"userId":       "user_id",
	"session_id":   "session_id",
	"sessionId":    "session_id",
	"data":         "data",
	"metadata":     "metadata",
	"created_at":   "created_at",
	"createdAt":    "created_at",
	"updated_at":   "updated_at",
	"updatedAt":    "updated_at",
	"expires_at":   "expires_at",
	"expiresAt":    "expires_at",
	"access_count": "access_count",
	"accessCount":  "access_count",
}

func splitPath(path string) (string, []string, error) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	for _, p := range parts {
		if p == "" {
			return "", nil, fmt.Errorf("字段路径无效: %q", path)
		}
	}
	root, ok := rootAliases[parts[0]]
	if !ok {
		return "", nil, fmt.Errorf("未知的字段: %q", parts[0])
	}
	return root, parts[1:], nil
}

// getField 按点分路径读取上下文中的值，时间字段以Unix秒表示
func getField(c *model.ContextData, path string) (model.Value, bool) {
	root, rest, err := splitPath(path)
	if err != nil {
		return model.Null(), false
	}

	switch root {
	case "data":
		if len(rest) == 0 {
			return model.Map(c.Data), true
		}
		return lookup(c.Data, rest)
	case "metadata":
		return metadataField(c.Metadata, rest)
	}

	if len(rest) > 0 {
		return model.Null(), false
	}
	switch root {
	case "id":
		return model.String(c.ID), true
	case "user_id":
		return model.String(c.UserID), true
	case "session_id":
		return model.String(c.SessionID), true
	case "created_at":
		return unixValue(c.CreatedAt), true
	case "updated_at":
		return unixValue(c.UpdatedAt), true
	case "expires_at":
		return unixValue(c.ExpiresAt), true
	case "access_count":
		return model.Number(float64(c.AccessCount)), true
	}
	return model.Null(), false
}

func unixValue(t time.Time) model.Value {
	return model.Number(float64(t.UnixNano()) / float64(time.Second))
}

func metadataField(md model.ContextMetadata, rest []string) (model.Value, bool) {
	if len(rest) == 0 {
		return model.Map(model.Fields{
			"source":   model.String(md.Source),
			"tags":     tagsValue(md.Tags),
			"priority": model.Number(md.Priority),
			"size":     model.Number(float64(md.Size)),
		}), true
	}
	if len(rest) > 1 {
		return model.Null(), false
	}
	switch rest[0] {
	case "source":
		return model.String(md.Source), true
	case "tags":
		return tagsValue(md.Tags), true
	case "priority":
		return model.Number(md.Priority), true
	case "size":
		return model.Number(float64(md.Size)), true
	}
	return model.Null(), false
}

func tagsValue(tags []string) model.Value {
	items := make([]model.Value, 0, len(tags))
	for _, t := range tags {
		items = append(items, model.String(t))
	}
	return model.List(items...)
}

// lookup 在嵌套表中逐级查找
func lookup(fields model.Fields, path []string) (model.Value, bool) {
	current := fields
	for i, key := range path {
		v, ok := current[key]
		if !ok {
			return model.Null(), false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, ok := v.AsMap()
		if !ok {
			return model.Null(), false
		}
		current = next
	}
	return model.Null(), false
}

// setField 按点分路径写入；data下缺失或非表的中间节点会被替换为新表
// expires_at接受数值秒，表示从now起的剩余存活时间
func setField(c *model.ContextData, path string, value model.Value, now time.Time) error {
	root, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	switch root {
	case "data":
		if len(rest) == 0 {
			m, ok := value.AsMap()
			if !ok {
				return fmt.Errorf("data只能被替换为键值表")
			}
			c.Data = m.Clone()
			return nil
		}
		if c.Data == nil {
			c.Data = model.Fields{}
		}
		assign(c.Data, rest, value.Clone())
		return nil
	case "metadata":
		return setMetadata(&c.Metadata, rest, value)
	case "user_id", "session_id":
		s, ok := value.AsString()
		if !ok || len(rest) > 0 {
			return fmt.Errorf("%s只能设置为字符串", root)
		}
		if root == "user_id" {
			c.UserID = s
		} else {
			c.SessionID = s
		}
		return nil
	case "expires_at":
		seconds, ok := value.AsNumber()
		if !ok || len(rest) > 0 {
			return fmt.Errorf("expires_at只能设置为数值秒")
		}
		c.ExpiresAt = now.Add(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("字段不可写: %s", path)
}

func assign(fields model.Fields, path []string, value model.Value) {
	current := fields
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].AsMap()
		if !ok {
			next = model.Fields{}
			current[key] = model.Map(next)
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func setMetadata(md *model.ContextMetadata, rest []string, value model.Value) error {
	if len(rest) != 1 {
		return fmt.Errorf("metadata字段路径无效")
	}
	switch rest[0] {
	case "source":
		s, ok := value.AsString()
		if !ok {
			return fmt.Errorf("metadata.source只能设置为字符串")
		}
		md.Source = s
	case "priority":
		n, ok := value.AsNumber()
		if !ok {
			return fmt.Errorf("metadata.priority只能设置为数值")
		}
		md.Priority = n
	case "tags":
		if s, ok := value.AsString(); ok {
			md.Tags = []string{s}
			return nil
		}
		items, ok := value.AsList()
		if !ok {
			return fmt.Errorf("metadata.tags只能设置为字符串列表")
		}
		tags := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.AsString()
			if !ok {
				return fmt.Errorf("metadata.tags只能设置为字符串列表")
			}
			tags = append(tags, s)
		}
		md.Tags = tags
	default:
		return fmt.Errorf("metadata.%s不可写", rest[0])
	}
	return nil
}
