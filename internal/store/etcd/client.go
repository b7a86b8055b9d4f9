package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/kong-orchestrator/internal/config"
)

// Client 封装了etcd客户端
type Client struct {
	client *clientv3.Client
	cfg    *config.EtcdConfig
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg *config.EtcdConfig) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping 检查第一个端点是否可达
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if len(c.cfg.Endpoints) == 0 {
		return fmt.Errorf("etcd端点为空")
	}
	if _, err := c.client.Status(ctx, c.cfg.Endpoints[0]); err != nil {
		return fmt.Errorf("etcd不可达 [%s]: %w", c.cfg.Endpoints[0], err)
	}
	return nil
}

// Get 获取键值，键不存在时返回nil
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd获取键值失败 [%s]: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	return resp.Kvs[0].Value, nil
}

// GetWithPrefix 获取指定前缀的所有键值
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd获取前缀键值失败 [%s]: %w", prefix, err)
	}

	result := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = kv.Value
	}

	return result, nil
}

// Put 设置键值
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Put(ctx, key, string(value))
	if err != nil {
		return fmt.Errorf("etcd设置键值失败 [%s]: %w", key, err)
	}

	return nil
}

// PutIfAbsentWithLease 键不存在时写入带租约的值，返回是否写入
// 租约到期后键被etcd删除
func (c *Client) PutIfAbsentWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	// etcd租约的最小粒度为秒
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := c.client.Grant(ctx, seconds)
	if err != nil {
		return false, fmt.Errorf("etcd创建租约失败: %w", err)
	}

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd事务写入失败 [%s]: %w", key, err)
	}
	if !resp.Succeeded {
		// 未写入，租约不再需要
		_, _ = c.client.Revoke(ctx, lease.ID)
	}
	return resp.Succeeded, nil
}

// Delete 删除键值
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("etcd删除键值失败 [%s]: %w", key, err)
	}

	return nil
}
