package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// conditionResult 单个条件的求值结果
type conditionResult struct {
	cond  model.AlertCondition
	value float64
	holds bool
}

func (r conditionResult) String() string {
	return fmt.Sprintf("%s(%s[%s]) = %g %s %g",
		r.cond.Aggregation, r.cond.Metric, r.cond.Window, r.value, r.cond.Operator, r.cond.Threshold)
}

func severityTag(s model.Severity) string {
	return "[" + strings.ToUpper(string(s)) + "]"
}

// firingNotification 告警触发消息
func firingNotification(alert *model.Alert, rule model.AlertRule) Notification {
	title := fmt.Sprintf("%s %s", severityTag(alert.Severity), alert.RuleName)
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(alert.Message)
	if rule.Description != "" {
		b.WriteString("\n")
		b.WriteString(rule.Description)
	}
	fmt.Fprintf(&b, "\n告警ID: %s\n时间: %s", alert.ID, alert.Timestamp.Format(time.RFC3339))

	return Notification{
		AlertID:   alert.ID,
		RuleID:    alert.RuleID,
		Title:     title,
		Message:   b.String(),
		Severity:  alert.Severity,
		Manual:    alert.Manual,
		Timestamp: alert.Timestamp,
	}
}

// resolvedNotification 告警恢复消息
func resolvedNotification(alert *model.Alert) Notification {
	at := time.Now()
	if alert.ResolvedAt != nil {
		at = *alert.ResolvedAt
	}
	title := fmt.Sprintf("[RESOLVED] %s", alert.RuleName)
	msg := fmt.Sprintf("%s\n告警 %s 已恢复\n持续时间: %s\n时间: %s",
		title, alert.ID, at.Sub(alert.Timestamp).Round(time.Second), at.Format(time.RFC3339))

	return Notification{
		AlertID:   alert.ID,
		RuleID:    alert.RuleID,
		Title:     title,
		Message:   msg,
		Severity:  alert.Severity,
		Resolved:  true,
		Manual:    alert.Manual,
		Timestamp: at,
	}
}

func describe(results []conditionResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.String()
	}
	return strings.Join(parts, " AND ")
}
