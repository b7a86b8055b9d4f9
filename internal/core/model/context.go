package model

import (
	"time"
)

// ContextMetadata 上下文元数据
type ContextMetadata struct {
	Source   string   `json:"source,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority float64  `json:"priority"`
	Size     int      `json:"size"`
}

// ContextData 用户/会话范围内的短期状态
type ContextData struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	Data        Fields          `json:"data"`
	Metadata    ContextMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	AccessCount int64           `json:"access_count"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Clone 深拷贝，返回给调用方的对象与存储内部状态隔离
func (c *ContextData) Clone() *ContextData {
	if c == nil {
		return nil
	}
	out := *c
	out.Data = c.Data.Clone()
	if c.Metadata.Tags != nil {
		out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	}
	if c.Warnings != nil {
		out.Warnings = append([]string(nil), c.Warnings...)
	}
	return &out
}

// SearchCriteria 上下文检索条件，零值字段不参与过滤
type SearchCriteria struct {
	UserID      string        `json:"user_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	MinPriority *float64      `json:"min_priority,omitempty"`
	MaxAge      time.Duration `json:"max_age,omitempty"`
}

// RuleOperator 规则比较运算符
type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpNotEquals   RuleOperator = "not-equals"
	OpGreaterThan RuleOperator = "greater-than"
	OpLessThan    RuleOperator = "less-than"
	OpContains    RuleOperator = "contains"
	OpNotContains RuleOperator = "not-contains"
	OpRegex       RuleOperator = "regex"
	OpExists      RuleOperator = "exists"
)

// LogicOperator 规则之间的连接方式
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// PolicyRule 单条匹配规则；Logic表示与前面累计结果的连接方式，第一条忽略
type PolicyRule struct {
	Field    string        `json:"field"`
	Operator RuleOperator  `json:"operator"`
	Value    Value         `json:"value"`
	Logic    LogicOperator `json:"logic,omitempty"`
}

// ActionType 策略动作类型
type ActionType string

const (
	ActionUpdate    ActionType = "update"
	ActionTransform ActionType = "transform"
	ActionValidate  ActionType = "validate"
)

// PolicyAction 策略动作；Parameters的键取决于动作类型
//
//	update:    value
//	transform: transform = uppercase|lowercase|trim|to-number|to-boolean
//	validate:  required, email, min_length, max_length, min, max, pattern
type PolicyAction struct {
	Type       ActionType `json:"type"`
	Target     string     `json:"target"`
	Parameters Fields     `json:"parameters,omitempty"`
}

// Policy触发时机
const (
	TriggerCreate = "create"
	TriggerAccess = "access"
	TriggerUpdate = "update"
)

// ContextPolicy 声明式上下文策略
type ContextPolicy struct {
	Name     string         `json:"name"`
	Rules    []PolicyRule   `json:"rules,omitempty"`
	Actions  []PolicyAction `json:"actions"`
	Priority int            `json:"priority"`
	Enabled  bool           `json:"enabled"`
	Triggers []string       `json:"triggers,omitempty"`
}

// CleanupStrategy 超出容量时的淘汰策略
type CleanupStrategy string

const (
	// CleanupLRU 最久未更新优先
	CleanupLRU CleanupStrategy = "lru"
	// CleanupTTL 最早过期优先
	CleanupTTL CleanupStrategy = "ttl"
	// CleanupSize 体积最小优先
	CleanupSize CleanupStrategy = "size"
	// CleanupHybrid 综合空闲时长与体积
	CleanupHybrid CleanupStrategy = "hybrid"
)
