package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

const (
	defaultDNSServer = "127.0.0.1:53"
	defaultCacheTTL  = 60 * time.Second
	queryTimeout     = 5 * time.Second
)

type srvCacheEntry struct {
	targets    []target
	expiration time.Time
}

// target 一条SRV记录解析出的地址
type target struct {
	host     string
	port     uint16
	priority uint16
	weight   uint16
}

// SRVResolver 通过DNS SRV记录把服务名解析为端点列表
type SRVResolver struct {
	dnsServer string
	cacheTTL  time.Duration
	client    *dns.Client
	now       func() time.Time
	logger    config.Logger

	cacheLocker sync.RWMutex
	srvCache    map[string]srvCacheEntry
}

// NewSRVResolver 创建SRV解析器
func NewSRVResolver(dnsServer string, cacheTTL time.Duration, logger config.Logger) *SRVResolver {
	if dnsServer == "" {
		dnsServer = defaultDNSServer
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &SRVResolver{
		dnsServer: dnsServer,
		cacheTTL:  cacheTTL,
		client:    &dns.Client{Timeout: queryTimeout},
		now:       time.Now,
		logger:    logger,
		srvCache:  make(map[string]srvCacheEntry),
	}
}

// queryName 不含点的短名补全为 _name._tcp.service.discovery
func queryName(serviceName string) string {
	if strings.Contains(serviceName, ".") {
		return serviceName
	}
	return fmt.Sprintf("_%s._tcp.service.discovery", serviceName)
}

// resolve 查询SRV记录，按优先级升序、权重降序排列
func (d *SRVResolver) resolve(ctx context.Context, serviceName string) ([]target, error) {
	if cached := d.fromCache(serviceName); cached != nil {
		return cached, nil
	}

	name := queryName(serviceName)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	r, _, err := d.client.ExchangeContext(ctx, m, d.dnsServer)
	if err != nil {
		return nil, fmt.Errorf("解析SRV记录[%s]失败: %w", name, err)
	}
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录", name)
	}

	// 附加段中的A记录用于把目标主机名换成IP
	addrs := make(map[string]string)
	for _, rr := range r.Extra {
		if a, ok := rr.(*dns.A); ok {
			addrs[strings.ToLower(a.Hdr.Name)] = a.A.String()
		}
	}

	var targets []target
	for _, rr := range r.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(srv.Target, ".")
		if ip, ok := addrs[strings.ToLower(srv.Target)]; ok {
			host = ip
		}
		targets = append(targets, target{host: host, port: srv.Port, priority: srv.Priority, weight: srv.Weight})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录", name)
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].priority != targets[j].priority {
			return targets[i].priority < targets[j].priority
		}
		return targets[i].weight > targets[j].weight
	})

	d.logger.Debug("SRV解析完成",
		zap.String("query", name),
		zap.Int("records", len(targets)))
	d.updateCache(serviceName, targets)
	return targets, nil
}

// ResolveEndpoints 把服务名解析为端点，端点的其余字段取自模板
// 端点ID为 host:port，SRV权重写入weights供加权策略使用
func (d *SRVResolver) ResolveEndpoints(ctx context.Context, serviceName, scheme string, tmpl model.Endpoint) ([]model.Endpoint, map[string]int, error) {
	targets, err := d.resolve(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}
	if scheme == "" {
		scheme = "http"
	}

	endpoints := make([]model.Endpoint, 0, len(targets))
	weights := make(map[string]int, len(targets))
	for _, t := range targets {
		hostPort := net.JoinHostPort(t.host, strconv.Itoa(int(t.port)))
		ep := tmpl
		ep.ID = hostPort
		ep.BaseURL = scheme + "://" + hostPort
		endpoints = append(endpoints, ep)
		weights[hostPort] = int(t.weight)
	}
	return endpoints, weights, nil
}

func (d *SRVResolver) fromCache(serviceName string) []target {
	d.cacheLocker.RLock()
	defer d.cacheLocker.RUnlock()

	if entry, ok := d.srvCache[serviceName]; ok && d.now().Before(entry.expiration) {
		return entry.targets
	}
	return nil
}

func (d *SRVResolver) updateCache(serviceName string, targets []target) {
	d.cacheLocker.Lock()
	defer d.cacheLocker.Unlock()

	d.srvCache[serviceName] = srvCacheEntry{
		targets:    targets,
		expiration: d.now().Add(d.cacheTTL),
	}
}
