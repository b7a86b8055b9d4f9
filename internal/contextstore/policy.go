package contextstore

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// 支持的transform
const (
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformTrim      = "trim"
	TransformToNumber  = "to-number"
	TransformToBoolean = "to-boolean"
)

// PolicyEngine 维护上下文策略并按优先级执行
type PolicyEngine struct {
	mu       sync.RWMutex
	policies map[string]*model.ContextPolicy
	ordered  []*model.ContextPolicy
	patterns sync.Map
	logger   config.Logger
}

// NewPolicyEngine 创建策略引擎
func NewPolicyEngine(logger config.Logger) *PolicyEngine {
	return &PolicyEngine{
		policies: make(map[string]*model.ContextPolicy),
		logger:   logger,
	}
}

// AddPolicy 添加或替换同名策略
func (e *PolicyEngine) AddPolicy(policy *model.ContextPolicy) error {
	if err := e.validatePolicy(policy); err != nil {
		return err
	}
	stored := clonePolicy(policy)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[stored.Name] = stored
	e.reorder()
	return nil
}

// RemovePolicy 删除策略
func (e *PolicyEngine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[name]; !ok {
		return model.NewNotFoundError("策略 %s 不存在", name)
	}
	delete(e.policies, name)
	e.reorder()
	return nil
}

// ListPolicies 按执行顺序列出策略
func (e *PolicyEngine) ListPolicies() []*model.ContextPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.ContextPolicy, 0, len(e.ordered))
	for _, p := range e.ordered {
		out = append(out, clonePolicy(p))
	}
	return out
}

// reorder 优先级高的先执行，同优先级按名称
func (e *PolicyEngine) reorder() {
	ordered := make([]*model.ContextPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})
	e.ordered = ordered
}

func (e *PolicyEngine) validatePolicy(p *model.ContextPolicy) error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return model.NewValidationError("策略名称不能为空")
	}
	for i, rule := range p.Rules {
		if _, _, err := splitPath(rule.Field); err != nil {
			return model.NewValidationError("策略 %s 第 %d 条规则: %v", p.Name, i, err)
		}
		switch rule.Operator {
		case model.OpEquals, model.OpNotEquals, model.OpGreaterThan, model.OpLessThan,
			model.OpContains, model.OpNotContains, model.OpExists:
		case model.OpRegex:
			pattern, _ := rule.Value.AsString()
			if _, err := e.compile(pattern); err != nil {
				return model.NewValidationError("策略 %s 第 %d 条规则正则无效: %v", p.Name, i, err)
			}
		default:
			return model.NewValidationError("策略 %s 第 %d 条规则运算符不支持: %s", p.Name, i, rule.Operator)
		}
		if rule.Logic != "" && rule.Logic != model.LogicAnd && rule.Logic != model.LogicOr {
			return model.NewValidationError("策略 %s 第 %d 条规则连接方式不支持: %s", p.Name, i, rule.Logic)
		}
	}
	for i, action := range p.Actions {
		if _, _, err := splitPath(action.Target); err != nil {
			return model.NewValidationError("策略 %s 第 %d 个动作: %v", p.Name, i, err)
		}
		switch action.Type {
		case model.ActionUpdate:
			if _, ok := action.Parameters["value"]; !ok {
				return model.NewValidationError("策略 %s 第 %d 个update动作缺少value", p.Name, i)
			}
		case model.ActionTransform:
			name, _ := action.Parameters["transform"].AsString()
			switch name {
			case TransformUppercase, TransformLowercase, TransformTrim, TransformToNumber, TransformToBoolean:
			default:
				return model.NewValidationError("策略 %s 第 %d 个动作transform不支持: %q", p.Name, i, name)
			}
		case model.ActionValidate:
			if v, ok := action.Parameters["pattern"]; ok {
				pattern, _ := v.AsString()
				if _, err := e.compile(pattern); err != nil {
					return model.NewValidationError("策略 %s 第 %d 个动作正则无效: %v", p.Name, i, err)
				}
			}
		default:
			return model.NewValidationError("策略 %s 第 %d 个动作类型不支持: %s", p.Name, i, action.Type)
		}
	}
	for _, trigger := range p.Triggers {
		switch trigger {
		case model.TriggerCreate, model.TriggerAccess, model.TriggerUpdate:
		default:
			return model.NewValidationError("策略 %s 触发时机不支持: %s", p.Name, trigger)
		}
	}
	return nil
}

func (e *PolicyEngine) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.patterns.Store(pattern, re)
	return re, nil
}

// Apply 对上下文执行所有匹配trigger的已启用策略，返回校验告警
// 调用方持有上下文所在条目的锁
func (e *PolicyEngine) Apply(c *model.ContextData, trigger string, now time.Time) []string {
	e.mu.RLock()
	policies := e.ordered
	e.mu.RUnlock()

	var warnings []string
	for _, p := range policies {
		if !p.Enabled || !hasTrigger(p, trigger) {
			continue
		}
		if !e.matches(p.Rules, c) {
			continue
		}
		for _, action := range p.Actions {
			warnings = append(warnings, e.execute(p.Name, action, c, now)...)
		}
	}
	return warnings
}

func hasTrigger(p *model.ContextPolicy, trigger string) bool {
	if len(p.Triggers) == 0 {
		return true
	}
	for _, t := range p.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// matches 规则从左到右依次与累计结果做AND/OR，空规则集总是匹配
func (e *PolicyEngine) matches(rules []model.PolicyRule, c *model.ContextData) bool {
	if len(rules) == 0 {
		return true
	}
	result := e.evalRule(rules[0], c)
	for _, rule := range rules[1:] {
		if rule.Logic == model.LogicOr {
			result = result || e.evalRule(rule, c)
		} else {
			result = result && e.evalRule(rule, c)
		}
	}
	return result
}

func (e *PolicyEngine) evalRule(rule model.PolicyRule, c *model.ContextData) bool {
	v, present := getField(c, rule.Field)
	switch rule.Operator {
	case model.OpExists:
		return present && !v.IsNull()
	case model.OpEquals:
		return present && v.Equal(rule.Value)
	case model.OpNotEquals:
		return !present || !v.Equal(rule.Value)
	case model.OpGreaterThan:
		cmp, ok := compareValues(v, rule.Value)
		return present && ok && cmp > 0
	case model.OpLessThan:
		cmp, ok := compareValues(v, rule.Value)
		return present && ok && cmp < 0
	case model.OpContains:
		return present && containsValue(v, rule.Value)
	case model.OpNotContains:
		return !present || !containsValue(v, rule.Value)
	case model.OpRegex:
		if !present || v.IsNull() {
			return false
		}
		pattern, _ := rule.Value.AsString()
		re, err := e.compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(v.Text())
	}
	return false
}

// compareValues 数值与数值、字符串与字符串可比较
func compareValues(a, b model.Value) (int, bool) {
	if x, ok := a.AsNumber(); ok {
		y, ok := b.AsNumber()
		if !ok {
			return 0, false
		}
		switch {
		case x > y:
			return 1, true
		case x < y:
			return -1, true
		}
		return 0, true
	}
	if x, ok := a.AsString(); ok {
		y, ok := b.AsString()
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

// containsValue 字符串子串、列表元素或表的键
func containsValue(container, needle model.Value) bool {
	switch container.Kind() {
	case model.KindString:
		s, _ := container.AsString()
		return strings.Contains(s, needle.Text())
	case model.KindList:
		items, _ := container.AsList()
		for _, item := range items {
			if item.Equal(needle) {
				return true
			}
		}
	case model.KindMap:
		m, _ := container.AsMap()
		key, ok := needle.AsString()
		if !ok {
			return false
		}
		_, exists := m[key]
		return exists
	}
	return false
}

func (e *PolicyEngine) execute(policy string, action model.PolicyAction, c *model.ContextData, now time.Time) []string {
	switch action.Type {
	case model.ActionUpdate:
		if err := setField(c, action.Target, action.Parameters["value"], now); err != nil {
			e.logger.Warn("策略update动作执行失败",
				zap.String("policy", policy), zap.String("target", action.Target), zap.Error(err))
		}
	case model.ActionTransform:
		e.transform(policy, action, c, now)
	case model.ActionValidate:
		return e.validate(policy, action, c)
	}
	return nil
}

func (e *PolicyEngine) transform(policy string, action model.PolicyAction, c *model.ContextData, now time.Time) {
	current, ok := getField(c, action.Target)
	if !ok {
		return
	}
	name, _ := action.Parameters["transform"].AsString()
	next, err := applyTransform(name, current)
	if err != nil {
		e.logger.Debug("策略transform跳过",
			zap.String("policy", policy), zap.String("target", action.Target), zap.Error(err))
		return
	}
	if err := setField(c, action.Target, next, now); err != nil {
		e.logger.Warn("策略transform写回失败",
			zap.String("policy", policy), zap.String("target", action.Target), zap.Error(err))
	}
}

func applyTransform(name string, v model.Value) (model.Value, error) {
	switch name {
	case TransformUppercase, TransformLowercase, TransformTrim:
		s, ok := v.AsString()
		if !ok {
			return v, fmt.Errorf("%s只作用于字符串, 实际为%s", name, v.Kind())
		}
		switch name {
		case TransformUppercase:
			return model.String(strings.ToUpper(s)), nil
		case TransformLowercase:
			return model.String(strings.ToLower(s)), nil
		}
		return model.String(strings.TrimSpace(s)), nil
	case TransformToNumber:
		switch v.Kind() {
		case model.KindNumber:
			return v, nil
		case model.KindBool:
			b, _ := v.AsBool()
			if b {
				return model.Number(1), nil
			}
			return model.Number(0), nil
		case model.KindString:
			s, _ := v.AsString()
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			// NaN与Inf无法编码为JSON
			if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
				return v, fmt.Errorf("无法转换为数值: %q", s)
			}
			return model.Number(n), nil
		}
		return v, fmt.Errorf("无法把%s转换为数值", v.Kind())
	case TransformToBoolean:
		switch v.Kind() {
		case model.KindBool:
			return v, nil
		case model.KindNumber:
			n, _ := v.AsNumber()
			return model.Bool(n != 0), nil
		case model.KindString:
			s, _ := v.AsString()
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "1", "yes", "on":
				return model.Bool(true), nil
			case "false", "0", "no", "off", "":
				return model.Bool(false), nil
			}
			return v, fmt.Errorf("无法转换为布尔值: %q", s)
		case model.KindNull:
			return model.Bool(false), nil
		}
		return v, fmt.Errorf("无法把%s转换为布尔值", v.Kind())
	}
	return v, fmt.Errorf("不支持的transform: %s", name)
}

// validate 校验失败只产生告警，不阻止操作
func (e *PolicyEngine) validate(policy string, action model.PolicyAction, c *model.ContextData) []string {
	v, present := getField(c, action.Target)
	params := action.Parameters
	var failures []string

	empty := !present || v.IsNull()
	if s, ok := v.AsString(); ok && s == "" {
		empty = true
	}
	if flag(params, "required") && empty {
		failures = append(failures, "必填")
	}
	if !empty {
		if flag(params, "email") {
			s, ok := v.AsString()
			if !ok || !emailPattern.MatchString(s) {
				failures = append(failures, "不是合法的邮箱地址")
			}
		}
		if n, ok := number(params, "min_length"); ok && length(v) < int(n) {
			failures = append(failures, fmt.Sprintf("长度小于%d", int(n)))
		}
		if n, ok := number(params, "max_length"); ok && length(v) > int(n) {
			failures = append(failures, fmt.Sprintf("长度大于%d", int(n)))
		}
		if lo, ok := number(params, "min"); ok {
			if x, isNum := v.AsNumber(); !isNum || x < lo {
				failures = append(failures, fmt.Sprintf("小于最小值%v", lo))
			}
		}
		if hi, ok := number(params, "max"); ok {
			if x, isNum := v.AsNumber(); !isNum || x > hi {
				failures = append(failures, fmt.Sprintf("大于最大值%v", hi))
			}
		}
		if p, ok := params["pattern"]; ok {
			pattern, _ := p.AsString()
			if re, err := e.compile(pattern); err != nil || !re.MatchString(v.Text()) {
				failures = append(failures, fmt.Sprintf("不匹配模式%s", pattern))
			}
		}
	}

	warnings := make([]string, 0, len(failures))
	for _, f := range failures {
		msg := fmt.Sprintf("策略 %s: 字段 %s 校验失败: %s", policy, action.Target, f)
		warnings = append(warnings, msg)
		metrics.ObservePolicyWarning()
		e.logger.Warn("上下文策略校验失败",
			zap.String("policy", policy),
			zap.String("contextId", c.ID),
			zap.String("field", action.Target),
			zap.String("reason", f))
	}
	return warnings
}

func flag(params model.Fields, key string) bool {
	b, ok := params[key].AsBool()
	return ok && b
}

func number(params model.Fields, key string) (float64, bool) {
	return params[key].AsNumber()
}

func length(v model.Value) int {
	if s, ok := v.AsString(); ok {
		return utf8.RuneCountInString(s)
	}
	if items, ok := v.AsList(); ok {
		return len(items)
	}
	if m, ok := v.AsMap(); ok {
		return len(m)
	}
	return len(v.Text())
}

func clonePolicy(p *model.ContextPolicy) *model.ContextPolicy {
	out := *p
	out.Rules = make([]model.PolicyRule, len(p.Rules))
	for i, r := range p.Rules {
		r.Value = r.Value.Clone()
		out.Rules[i] = r
	}
	out.Actions = make([]model.PolicyAction, len(p.Actions))
	for i, a := range p.Actions {
		a.Parameters = a.Parameters.Clone()
		out.Actions[i] = a
	}
	out.Triggers = append([]string(nil), p.Triggers...)
	return &out
}
