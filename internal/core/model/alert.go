package model

import (
	"time"
)

// Severity 告警级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity 判断告警级别是否合法
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Aggregation 指标聚合方式
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// ConditionOperator 告警条件比较符
type ConditionOperator string

const (
	CondGreaterThan    ConditionOperator = ">"
	CondGreaterOrEqual ConditionOperator = ">="
	CondLessThan       ConditionOperator = "<"
	CondLessOrEqual    ConditionOperator = "<="
	CondEqual          ConditionOperator = "=="
	CondNotEqual       ConditionOperator = "!="
)

// Compare 按比较符比较数值
func (op ConditionOperator) Compare(value, threshold float64) bool {
	switch op {
	case CondGreaterThan:
		return value > threshold
	case CondGreaterOrEqual:
		return value >= threshold
	case CondLessThan:
		return value < threshold
	case CondLessOrEqual:
		return value <= threshold
	case CondEqual:
		return value == threshold
	case CondNotEqual:
		return value != threshold
	}
	return false
}

// AlertCondition 告警条件
type AlertCondition struct {
	Metric      string            `json:"metric" mapstructure:"metric"`
	Operator    ConditionOperator `json:"operator" mapstructure:"operator"`
	Threshold   float64           `json:"threshold" mapstructure:"threshold"`
	Window      time.Duration     `json:"window" mapstructure:"window"`
	Aggregation Aggregation       `json:"aggregation" mapstructure:"aggregation"`
}

// AlertRule 告警规则
type AlertRule struct {
	ID          string           `json:"id" mapstructure:"id"`
	Name        string           `json:"name" mapstructure:"name"`
	Description string           `json:"description,omitempty" mapstructure:"description"`
	Severity    Severity         `json:"severity" mapstructure:"severity"`
	Conditions  []AlertCondition `json:"conditions" mapstructure:"conditions"`
	Cooldown    time.Duration    `json:"cooldown" mapstructure:"cooldown"`
	Enabled     bool             `json:"enabled" mapstructure:"enabled"`
	Channels    []string         `json:"channels" mapstructure:"channels"`
}

// Alert 规则触发产生的告警实例
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	RuleName   string     `json:"rule_name,omitempty"`
	Message    string     `json:"message"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Manual     bool       `json:"manual,omitempty"`
}

// ChannelKind 通知渠道类型
type ChannelKind string

const (
	ChannelEmail   ChannelKind = "email"
	ChannelChat    ChannelKind = "chat-webhook"
	ChannelWebhook ChannelKind = "generic-webhook"
	ChannelPager   ChannelKind = "pager"
)

// NotificationChannel 通知渠道配置；Config的键取决于渠道类型
//
//	email:           smtp_host, smtp_port, username, password, from, to (逗号分隔)
//	chat-webhook:    webhook_url
//	generic-webhook: url, 以及可选的 header_* 自定义请求头
//	pager:           routing_key, 可选 url
type NotificationChannel struct {
	ID      string            `json:"id" mapstructure:"id"`
	Kind    ChannelKind       `json:"kind" mapstructure:"kind"`
	Config  map[string]string `json:"config" mapstructure:"config"`
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
}

// Clone 深拷贝告警
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
