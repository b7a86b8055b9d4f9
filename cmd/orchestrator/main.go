package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-orchestrator/internal/alerting"
	"github.com/hewenyu/kong-orchestrator/internal/apihandler"
	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/contextstore"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/discovery"
	"github.com/hewenyu/kong-orchestrator/internal/health"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
	"github.com/hewenyu/kong-orchestrator/internal/router"
	"github.com/hewenyu/kong-orchestrator/internal/store/cooldown"
	"github.com/hewenyu/kong-orchestrator/internal/store/etcd"
	"github.com/hewenyu/kong-orchestrator/internal/store/service"
)

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Level, appConfig.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	if zl, ok := logger.(*config.ZapLogger); ok {
		defer zl.Sync()
	}

	logger.Info("Kong Orchestrator Starting...",
		zap.String("version", "0.1.0"),
		zap.Int("port", appConfig.Server.Port),
		zap.Bool("etcd_enabled", appConfig.Etcd.Enabled),
		zap.String("cooldown_store", appConfig.Alerting.CooldownStore),
		zap.String("metric_source", appConfig.Alerting.MetricSource),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务已关闭")
}

func run(ctx context.Context) error {
	// Prometheus采集器
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(promRegistry); err != nil {
		return fmt.Errorf("注册指标失败: %w", err)
	}
	// 本地指标记录，保留窗口覆盖告警规则的最大时间窗口
	recorder := metrics.NewRecorder(24*time.Hour, nil)

	reg := registry.NewRegistry(registry.Options{
		FailureThreshold: appConfig.Registry.FailureThreshold,
		RecoveryTimeout:  appConfig.Registry.RecoveryTimeout,
		DefaultStrategy:  model.LoadBalanceStrategy(appConfig.Registry.DefaultStrategy),
		MaxHealthErrors:  appConfig.Registry.MaxHealthErrors,
	}, logger)

	// etcd客户端：服务目录持久化与告警冷却
	var etcdClient *etcd.Client
	if appConfig.Etcd.Enabled {
		client, err := etcd.NewClient(&appConfig.Etcd)
		if err != nil {
			return fmt.Errorf("连接etcd失败: %w", err)
		}
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("etcd健康检查失败: %w", err)
		}
		logger.Info("etcd连接成功并通过健康检查")
		etcdClient = client

		reg.SetCatalog(service.NewEtcdServiceStore(client))
		n, err := reg.LoadCatalog(ctx)
		if err != nil {
			return fmt.Errorf("加载服务目录失败: %w", err)
		}
		logger.Info("服务目录已加载", zap.Int("services", n))
	}

	cooldownStore, closeCooldown, err := newCooldownStore(ctx, etcdClient)
	if err != nil {
		return err
	}
	defer closeCooldown()

	source, err := newMetricSource(recorder)
	if err != nil {
		return err
	}

	rt := router.NewRouter(reg, logger)
	rt.SetMetricSink(recorder)

	contexts := contextstore.NewStore(contextstore.Options{
		DefaultTTL:      appConfig.Context.DefaultTTL,
		MaxContexts:     appConfig.Context.MaxContexts,
		CleanupStrategy: model.CleanupStrategy(appConfig.Context.CleanupStrategy),
	}, nil, logger)
	contexts.SetMetricSink(recorder)

	prober := health.NewProber(reg, appConfig.Health.Interval, appConfig.Health.Timeout, logger)
	prober.SetMetricSink(recorder)

	dispatcher := alerting.NewDispatcher(appConfig.Alerting.ChannelTimeout, appConfig.Alerting.ChannelRateLimit, logger)
	engine := alerting.NewEngine(source, cooldownStore, dispatcher, alerting.Options{
		HistorySize: appConfig.Alerting.HistorySize,
	}, logger)

	if err := bootstrap(ctx, reg, contexts, engine); err != nil {
		return err
	}

	server := apihandler.NewServer(appConfig, apihandler.NewHandler(reg, rt, contexts, engine, logger), promRegistry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return contexts.RunReaper(gctx, appConfig.Context.CleanupInterval) })
	g.Go(func() error { return engine.Run(gctx, appConfig.Alerting.Interval) })
	g.Go(func() error {
		errCh := server.Start()
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("HTTP服务启动失败: %w", err)
			}
			return nil
		case <-gctx.Done():
		}

		logger.Info("接收到关闭信号，正在优雅关闭...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newCooldownStore 按配置选择告警冷却存储
func newCooldownStore(ctx context.Context, etcdClient *etcd.Client) (alerting.CooldownStore, func(), error) {
	noop := func() {}
	switch appConfig.Alerting.CooldownStore {
	case "etcd":
		return cooldown.NewEtcdStore(etcdClient), noop, nil
	case "redis":
		client, err := cooldown.NewRedisClient(ctx, appConfig.Redis)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("redis连接成功", zap.String("addr", appConfig.Redis.Addr))
		return cooldown.NewRedisStore(client), func() { client.Close() }, nil
	}
	return cooldown.NewMemoryStore(), noop, nil
}

func newMetricSource(recorder *metrics.Recorder) (alerting.MetricSource, error) {
	if appConfig.Alerting.MetricSource == "prometheus" {
		source, err := metrics.NewPrometheusSource(appConfig.Prometheus.Address, logger)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	return recorder, nil
}

// bootstrap 加载配置文件中的静态服务、策略、告警规则和通知渠道
func bootstrap(ctx context.Context, reg *registry.Registry, contexts *contextstore.Store, engine *alerting.Engine) error {
	var resolver *discovery.SRVResolver
	for _, sb := range appConfig.Services {
		desc := sb.Descriptor()
		var srvWeights map[string]int

		if sb.SRVName != "" {
			if resolver == nil {
				resolver = discovery.NewSRVResolver(appConfig.Discovery.DNSServer, appConfig.Discovery.CacheTTL, logger)
			}
			var tmpl model.Endpoint
			if len(sb.Endpoints) > 0 {
				tmpl = sb.Endpoints[0]
			}
			endpoints, weights, err := resolver.ResolveEndpoints(ctx, sb.SRVName, sb.Scheme, tmpl)
			if err != nil {
				return fmt.Errorf("解析服务 %s 的SRV记录失败: %w", sb.ID, err)
			}
			desc.Endpoints = endpoints
			srvWeights = weights
		}

		if err := reg.Register(ctx, desc); err != nil {
			return fmt.Errorf("注册服务 %s 失败: %w", sb.ID, err)
		}

		if sb.LoadBalancer != nil || srvWeights != nil {
			lb := model.LoadBalancerConfig{Strategy: model.LoadBalanceStrategy(appConfig.Registry.DefaultStrategy)}
			if sb.LoadBalancer != nil {
				lb = *sb.LoadBalancer
			}
			if len(lb.Weights) == 0 && srvWeights != nil {
				lb.Weights = srvWeights
			}
			if err := reg.SetLoadBalancerConfig(desc.ID, lb); err != nil {
				return fmt.Errorf("设置服务 %s 负载均衡失败: %w", sb.ID, err)
			}
		}
		logger.Info("已加载静态服务",
			zap.String("serviceId", desc.ID),
			zap.Int("endpoints", len(desc.Endpoints)))
	}

	for _, pb := range appConfig.Policies {
		policy, err := pb.Policy()
		if err != nil {
			return err
		}
		if err := contexts.Policies().AddPolicy(policy); err != nil {
			return fmt.Errorf("加载策略 %s 失败: %w", pb.Name, err)
		}
	}

	for _, ch := range appConfig.Channels {
		if err := engine.Dispatcher().AddChannel(ch); err != nil {
			return fmt.Errorf("加载通知渠道 %s 失败: %w", ch.ID, err)
		}
	}

	for _, rule := range appConfig.AlertRules {
		if err := engine.AddRule(rule); err != nil {
			return fmt.Errorf("加载告警规则 %s 失败: %w", rule.ID, err)
		}
	}

	logger.Info("静态配置加载完成",
		zap.Int("services", len(appConfig.Services)),
		zap.Int("policies", len(appConfig.Policies)),
		zap.Int("channels", len(appConfig.Channels)),
		zap.Int("rules", len(appConfig.AlertRules)))
	return nil
}
