package registry

import (
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// endpointStats 负载均衡使用的端点级统计
type endpointStats struct {
	activeConnections int
	avgLatencyMs      float64
	samples           int64
}

// balancer 按策略从候选端点中挑选一个，调用方持有serviceEntry锁
type balancer struct {
	intn func(n int) int

	// 随机轮询：每一轮是候选端点的一个随机排列
	rrOrder []int
	rrPos   int
	rrKeys  string
}

func (b *balancer) pick(cfg model.LoadBalancerConfig, candidates []model.Endpoint, stats map[string]*endpointStats) model.Endpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch cfg.Strategy {
	case model.StrategyLeastConnections:
		return leastConnections(candidates, stats)
	case model.StrategyWeighted:
		return b.weighted(candidates, cfg.Weights)
	case model.StrategyLeastResponseTime:
		return leastResponseTime(candidates, stats)
	default:
		return b.roundRobin(candidates)
	}
}

// roundRobin 随机但近似均匀：每轮打乱一次顺序，N次调用内每个端点都会被选中
func (b *balancer) roundRobin(candidates []model.Endpoint) model.Endpoint {
	keys := candidateKeys(candidates)
	if keys != b.rrKeys || b.rrPos >= len(b.rrOrder) {
		b.rrKeys = keys
		b.rrOrder = b.permutation(len(candidates))
		b.rrPos = 0
	}
	idx := b.rrOrder[b.rrPos]
	b.rrPos++
	return candidates[idx]
}

// permutation Fisher-Yates洗牌
func (b *balancer) permutation(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := b.intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// weighted 按权重随机；未配置权重的端点权重为1
func (b *balancer) weighted(candidates []model.Endpoint, weights map[string]int) model.Endpoint {
	total := 0
	for _, ep := range candidates {
		total += endpointWeight(ep, weights)
	}
	if total <= 0 {
		return candidates[b.intn(len(candidates))]
	}
	r := b.intn(total)
	for _, ep := range candidates {
		w := endpointWeight(ep, weights)
		if r < w {
			return ep
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

func endpointWeight(ep model.Endpoint, weights map[string]int) int {
	w, ok := weights[ep.Key()]
	if !ok {
		return 1
	}
	if w < 0 {
		return 0
	}
	return w
}

func leastConnections(candidates []model.Endpoint, stats map[string]*endpointStats) model.Endpoint {
	best := candidates[0]
	bestConns := connectionsOf(best, stats)
	for _, ep := range candidates[1:] {
		if c := connectionsOf(ep, stats); c < bestConns {
			best, bestConns = ep, c
		}
	}
	return best
}

// leastResponseTime 未观测过的端点视为0，因此会先被试探
func leastResponseTime(candidates []model.Endpoint, stats map[string]*endpointStats) model.Endpoint {
	best := candidates[0]
	bestLatency := latencyOf(best, stats)
	for _, ep := range candidates[1:] {
		if l := latencyOf(ep, stats); l < bestLatency {
			best, bestLatency = ep, l
		}
	}
	return best
}

func connectionsOf(ep model.Endpoint, stats map[string]*endpointStats) int {
	if s, ok := stats[ep.Key()]; ok {
		return s.activeConnections
	}
	return 0
}

func latencyOf(ep model.Endpoint, stats map[string]*endpointStats) float64 {
	if s, ok := stats[ep.Key()]; ok {
		return s.avgLatencyMs
	}
	return 0
}

func candidateKeys(candidates []model.Endpoint) string {
	n := 0
	for _, ep := range candidates {
		n += len(ep.Key()) + 1
	}
	buf := make([]byte, 0, n)
	for _, ep := range candidates {
		buf = append(buf, ep.Key()...)
		buf = append(buf, '|')
	}
	return string(buf)
}
