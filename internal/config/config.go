package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP服务配置
	Server struct {
		ListenAddress   string        `mapstructure:"listen_address"`
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	// etcd配置，用于服务目录持久化和告警冷却
	Etcd EtcdConfig `mapstructure:"etcd"`

	// redis配置，用于告警冷却
	Redis RedisConfig `mapstructure:"redis"`

	// Prometheus查询API配置
	Prometheus struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"prometheus"`

	// 服务注册表配置
	Registry struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
		DefaultStrategy  string        `mapstructure:"default_strategy"`
		MaxHealthErrors  int           `mapstructure:"max_health_errors"`
	} `mapstructure:"registry"`

	// 健康探测配置
	Health struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"health"`

	// 上下文存储配置
	Context struct {
		DefaultTTL      time.Duration `mapstructure:"default_ttl"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
		MaxContexts     int           `mapstructure:"max_contexts"`
		CleanupStrategy string        `mapstructure:"cleanup_strategy"`
	} `mapstructure:"context"`

	// 告警引擎配置
	Alerting struct {
		Interval         time.Duration `mapstructure:"interval"`
		ChannelTimeout   time.Duration `mapstructure:"channel_timeout"`
		CooldownStore    string        `mapstructure:"cooldown_store"` // "memory", "etcd", 或 "redis"
		MetricSource     string        `mapstructure:"metric_source"`  // "local" 或 "prometheus"
		HistorySize      int           `mapstructure:"history_size"`
		ChannelRateLimit float64       `mapstructure:"channel_rate_limit"` // 每个渠道每秒最多发送次数
	} `mapstructure:"alerting"`

	// DNS服务发现配置
	Discovery struct {
		DNSServer string        `mapstructure:"dns_server"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"discovery"`

	// 启动时加载的静态数据
	Services   []ServiceBootstrap          `mapstructure:"services"`
	Policies   []PolicyBootstrap           `mapstructure:"policies"`
	AlertRules []model.AlertRule           `mapstructure:"alert_rules"`
	Channels   []model.NotificationChannel `mapstructure:"channels"`
}

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RedisConfig redis连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServiceBootstrap 静态注册的服务
type ServiceBootstrap struct {
	ID           string                    `mapstructure:"id"`
	Name         string                    `mapstructure:"name"`
	Version      string                    `mapstructure:"version"`
	SRVName      string                    `mapstructure:"srv_name"` // 非空时通过DNS SRV解析端点
	Scheme       string                    `mapstructure:"scheme"`
	Endpoints    []model.Endpoint          `mapstructure:"endpoints"`
	Capabilities []string                  `mapstructure:"capabilities"`
	Dependencies []string                  `mapstructure:"dependencies"`
	Metadata     map[string]string         `mapstructure:"metadata"`
	LoadBalancer *model.LoadBalancerConfig `mapstructure:"load_balancer"`
}

// Descriptor 转换为服务描述
func (s ServiceBootstrap) Descriptor() *model.ServiceDescriptor {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return &model.ServiceDescriptor{
		ID:           s.ID,
		Name:         name,
		Version:      s.Version,
		Endpoints:    append([]model.Endpoint(nil), s.Endpoints...),
		Capabilities: s.Capabilities,
		Dependencies: s.Dependencies,
		Metadata:     s.Metadata,
	}
}

// PolicyBootstrap 配置文件中的上下文策略
type PolicyBootstrap struct {
	Name     string   `mapstructure:"name"`
	Priority int      `mapstructure:"priority"`
	Enabled  bool     `mapstructure:"enabled"`
	Triggers []string `mapstructure:"triggers"`
	Rules    []struct {
		Field    string      `mapstructure:"field"`
		Operator string      `mapstructure:"operator"`
		Value    interface{} `mapstructure:"value"`
		Logic    string      `mapstructure:"logic"`
	} `mapstructure:"rules"`
	Actions []struct {
		Type       string                 `mapstructure:"type"`
		Target     string                 `mapstructure:"target"`
		Parameters map[string]interface{} `mapstructure:"parameters"`
	} `mapstructure:"actions"`
}

// Policy 转换为上下文策略
func (p PolicyBootstrap) Policy() (*model.ContextPolicy, error) {
	policy := &model.ContextPolicy{
		Name:     p.Name,
		Priority: p.Priority,
		Enabled:  p.Enabled,
		Triggers: p.Triggers,
	}
	for _, r := range p.Rules {
		value, err := model.FromInterface(r.Value)
		if err != nil {
			return nil, fmt.Errorf("策略 %s 规则值无效: %w", p.Name, err)
		}
		policy.Rules = append(policy.Rules, model.PolicyRule{
			Field:    r.Field,
			Operator: model.RuleOperator(r.Operator),
			Value:    value,
			Logic:    model.LogicOperator(strings.ToUpper(r.Logic)),
		})
	}
	for _, a := range p.Actions {
		params, err := model.FieldsFromMap(a.Parameters)
		if err != nil {
			return nil, fmt.Errorf("策略 %s 动作参数无效: %w", p.Name, err)
		}
		policy.Actions = append(policy.Actions, model.PolicyAction{
			Type:       model.ActionType(a.Type),
			Target:     a.Target,
			Parameters: params,
		})
	}
	return policy, nil
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-orchestrator")
		v.AddConfigPath("/etc/kong-orchestrator")
	}

	v.SetConfigType("yaml")

	// 找不到配置文件时使用默认值；其他错误则返回
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("KONG_ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("prometheus.address", "http://localhost:9090")

	v.SetDefault("registry.failure_threshold", 5)
	v.SetDefault("registry.recovery_timeout", 60*time.Second)
	v.SetDefault("registry.default_strategy", string(model.StrategyRoundRobin))
	v.SetDefault("registry.max_health_errors", 10)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)

	v.SetDefault("context.default_ttl", 30*time.Minute)
	v.SetDefault("context.cleanup_interval", 5*time.Minute)
	v.SetDefault("context.max_contexts", 10000)
	v.SetDefault("context.cleanup_strategy", string(model.CleanupLRU))

	v.SetDefault("alerting.interval", 30*time.Second)
	v.SetDefault("alerting.channel_timeout", 5*time.Second)
	v.SetDefault("alerting.cooldown_store", "memory")
	v.SetDefault("alerting.metric_source", "local")
	v.SetDefault("alerting.history_size", 1000)
	v.SetDefault("alerting.channel_rate_limit", 1.0)

	v.SetDefault("discovery.dns_server", "127.0.0.1:53")
	v.SetDefault("discovery.cache_ttl", 60*time.Second)
}

// bindEnvVariables 绑定常用的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "KONG_ORCHESTRATOR_PORT")
	v.BindEnv("etcd.endpoints", "KONG_ORCHESTRATOR_ETCD_ENDPOINTS")
	v.BindEnv("redis.addr", "KONG_ORCHESTRATOR_REDIS_ADDR")
	v.BindEnv("prometheus.address", "KONG_ORCHESTRATOR_PROMETHEUS_ADDRESS")
	v.BindEnv("alerting.cooldown_store", "KONG_ORCHESTRATOR_COOLDOWN_STORE")
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("服务端口配置无效: %d", c.Server.Port)
	}
	if c.Registry.FailureThreshold <= 0 {
		return fmt.Errorf("熔断失败阈值必须大于0: %d", c.Registry.FailureThreshold)
	}
	if c.Registry.RecoveryTimeout <= 0 {
		return fmt.Errorf("熔断恢复时间必须大于0")
	}
	if !model.ValidStrategy(model.LoadBalanceStrategy(c.Registry.DefaultStrategy)) {
		return fmt.Errorf("未知的负载均衡策略: %s", c.Registry.DefaultStrategy)
	}
	if c.Health.Interval <= 0 || c.Context.CleanupInterval <= 0 || c.Alerting.Interval <= 0 {
		return fmt.Errorf("定时任务间隔必须大于0")
	}
	if c.Context.DefaultTTL <= 0 {
		return fmt.Errorf("上下文默认TTL必须大于0")
	}
	switch model.CleanupStrategy(c.Context.CleanupStrategy) {
	case model.CleanupLRU, model.CleanupTTL, model.CleanupSize, model.CleanupHybrid:
	default:
		return fmt.Errorf("未知的上下文清理策略: %s", c.Context.CleanupStrategy)
	}
	switch c.Alerting.CooldownStore {
	case "memory", "redis":
	case "etcd":
		if !c.Etcd.Enabled {
			return fmt.Errorf("冷却存储使用etcd时必须启用etcd")
		}
	default:
		return fmt.Errorf("未知的冷却存储类型: %s", c.Alerting.CooldownStore)
	}
	switch c.Alerting.MetricSource {
	case "local", "prometheus":
	default:
		return fmt.Errorf("未知的指标来源: %s", c.Alerting.MetricSource)
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}
	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-orchestrator/config.yaml",
		"/etc/kong-orchestrator/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
