package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// PrometheusSource 通过Prometheus查询接口获取告警指标
type PrometheusSource struct {
	api    v1.API
	logger config.Logger
}

// NewPrometheusSource 创建Prometheus指标源
func NewPrometheusSource(address string, logger config.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("创建Prometheus客户端失败: %w", err)
	}
	return &PrometheusSource{
		api:    v1.NewAPI(client),
		logger: logger,
	}, nil
}

// BuildQuery 把聚合条件翻译为PromQL
func BuildQuery(metric string, window time.Duration, agg model.Aggregation) (string, error) {
	rng := prommodel.Duration(window).String()
	switch agg {
	case model.AggSum:
		return fmt.Sprintf("sum(sum_over_time(%s[%s]))", metric, rng), nil
	case model.AggAvg:
		return fmt.Sprintf("avg(avg_over_time(%s[%s]))", metric, rng), nil
	case model.AggMin:
		return fmt.Sprintf("min(min_over_time(%s[%s]))", metric, rng), nil
	case model.AggMax:
		return fmt.Sprintf("max(max_over_time(%s[%s]))", metric, rng), nil
	case model.AggCount:
		return fmt.Sprintf("sum(count_over_time(%s[%s]))", metric, rng), nil
	}
	return "", fmt.Errorf("不支持的聚合方式: %s", agg)
}

// Query 执行即时查询，结果为空时返回0
func (p *PrometheusSource) Query(ctx context.Context, metric string, window time.Duration, agg model.Aggregation) (float64, error) {
	query, err := BuildQuery(metric, window, agg)
	if err != nil {
		return 0, err
	}

	result, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("Prometheus查询失败: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warn("Prometheus查询返回警告", zap.String("query", query), zap.Strings("warnings", warnings))
	}

	if vector, ok := result.(prommodel.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	if scalar, ok := result.(*prommodel.Scalar); ok {
		return float64(scalar.Value), nil
	}
	return 0, nil
}
