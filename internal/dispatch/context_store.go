package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ContextStore 保存各智能体最近一次执行返回的记忆，
// 在下一次派发时作为上下文随帧下发。
type ContextStore interface {
	Save(ctx context.Context, agentID string, memory json.RawMessage) error
	Load(ctx context.Context, agentID string) (json.RawMessage, error)
	Close() error
}

// MemoryContextStore 是 ContextStore 的进程内实现。
type MemoryContextStore struct {
	mu       sync.RWMutex
	memories map[string]json.RawMessage
}

// NewMemoryContextStore 创建内存版上下文存储。
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{memories: make(map[string]json.RawMessage)}
}

// Save 覆盖保存指定智能体的记忆。
func (s *MemoryContextStore) Save(_ context.Context, agentID string, memory json.RawMessage) error {
	if agentID == "" || len(memory) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[agentID] = append(json.RawMessage(nil), memory...)
	return nil
}

// Load 返回指定智能体最近保存的记忆；没有时返回 nil。
func (s *MemoryContextStore) Load(_ context.Context, agentID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	memory, ok := s.memories[agentID]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), memory...), nil
}

// Close 对内存实现无需操作。
func (s *MemoryContextStore) Close() error {
	return nil
}

// RedisContextStoreConfig 描述 Redis 上下文存储的连接参数。
type RedisContextStoreConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisContextStore 将智能体记忆保存在 Redis 中，便于多实例共享。
type RedisContextStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisContextStore 创建 Redis 版上下文存储。
func NewRedisContextStore(cfg RedisContextStoreConfig) (*RedisContextStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisContextStore{client: client, ttl: ttl}, nil
}

func contextKey(agentID string) string {
	return "agentmesh:context:" + agentID
}

// Save 覆盖保存指定智能体的记忆。
func (s *RedisContextStore) Save(ctx context.Context, agentID string, memory json.RawMessage) error {
	if agentID == "" || len(memory) == 0 {
		return nil
	}
	if err := s.client.Set(ctx, contextKey(agentID), []byte(memory), s.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 保存上下文失败: %w", err)
	}
	return nil
}

// Load 返回指定智能体最近保存的记忆；没有时返回 nil。
func (s *RedisContextStore) Load(ctx context.Context, agentID string) (json.RawMessage, error) {
	raw, err := s.client.Get(ctx, contextKey(agentID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("Redis 读取上下文失败: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Close 关闭 Redis 连接。
func (s *RedisContextStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var (
	_ ContextStore = (*MemoryContextStore)(nil)
	_ ContextStore = (*RedisContextStore)(nil)
)
