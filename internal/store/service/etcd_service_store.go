package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

const (
	// 服务目录的存储前缀
	servicePrefix = "/orchestrator/services/"
)

// KV 服务目录依赖的键值操作，由etcd.Client实现
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}

// EtcdServiceStore 基于etcd的服务目录，保存服务描述以便重启后恢复
type EtcdServiceStore struct {
	client KV
}

// NewEtcdServiceStore 创建服务目录存储
func NewEtcdServiceStore(client KV) *EtcdServiceStore {
	return &EtcdServiceStore{client: client}
}

// getServiceKey 获取服务的存储键
func getServiceKey(serviceID string) string {
	return servicePrefix + serviceID
}

// SaveService 保存服务描述，已存在时覆盖
func (s *EtcdServiceStore) SaveService(ctx context.Context, desc *model.ServiceDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("序列化服务信息失败: %w", err)
	}
	if err := s.client.Put(ctx, getServiceKey(desc.ID), data); err != nil {
		return fmt.Errorf("存储服务信息失败: %w", err)
	}
	return nil
}

// DeleteService 删除服务描述
func (s *EtcdServiceStore) DeleteService(ctx context.Context, serviceID string) error {
	if err := s.client.Delete(ctx, getServiceKey(serviceID)); err != nil {
		return fmt.Errorf("删除服务信息失败: %w", err)
	}
	return nil
}

// ListServices 读取全部服务描述，按ID排序
func (s *EtcdServiceStore) ListServices(ctx context.Context) ([]*model.ServiceDescriptor, error) {
	serviceData, err := s.client.GetWithPrefix(ctx, servicePrefix)
	if err != nil {
		return nil, fmt.Errorf("获取服务信息失败: %w", err)
	}

	services := make([]*model.ServiceDescriptor, 0, len(serviceData))
	for key, data := range serviceData {
		var desc model.ServiceDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("解析服务信息失败 [%s]: %w", key, err)
		}
		services = append(services, &desc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })

	return services, nil
}
