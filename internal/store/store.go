package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	xerrors "AgentMesh-Chain/internal/errors"
)

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrAgentExists 表示智能体 ID 已被占用。
	ErrAgentExists = xerrors.New(xerrors.CodeConflict, "agent already exists")
)

// AgentRecord 是用户自定义智能体的存储结构。
type AgentRecord struct {
	catalogue.Definition
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store 抽象用户自定义智能体的持久化接口。
type Store interface {
	Create(ctx context.Context, def catalogue.Definition) (*AgentRecord, error)
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context) ([]*AgentRecord, error)
	Update(ctx context.Context, def catalogue.Definition) (*AgentRecord, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore 以内存方式保存智能体定义，是默认驱动。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*AgentRecord)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, def catalogue.Definition) (*AgentRecord, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[def.ID]; ok {
		return nil, ErrAgentExists
	}
	now := time.Now()
	record := &AgentRecord{Definition: def, CreatedAt: now, UpdatedAt: now}
	m.agents[def.ID] = record
	clone := *record
	return &clone, nil
}

// Get 返回智能体记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *record
	return &clone, nil
}

// List 返回全部记录，按 ID 排序。
func (m *MemoryStore) List(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*AgentRecord, 0, len(m.agents))
	for _, record := range m.agents {
		clone := *record
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Update 覆盖既有记录。
func (m *MemoryStore) Update(_ context.Context, def catalogue.Definition) (*AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.agents[def.ID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	record.Definition = def
	record.UpdatedAt = time.Now()
	clone := *record
	return &clone, nil
}

// Delete 删除记录。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(m.agents, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
