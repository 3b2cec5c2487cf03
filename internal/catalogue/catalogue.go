package catalogue

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ToolDescriptor 描述智能体可调用的一个工具。
type ToolDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Parameters  []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Definition 是一条不可变的智能体目录记录。
type Definition struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description" yaml:"description"`
	SystemPrompt string           `json:"systemPrompt" yaml:"system_prompt"`
	Tools        []ToolDescriptor `json:"tools,omitempty" yaml:"tools,omitempty"`
	Keywords     []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Wallet       string           `json:"wallet,omitempty" yaml:"wallet,omitempty"`
	Script       string           `json:"script,omitempty" yaml:"script,omitempty"`
}

// ToolFunc 是进程内工具的实现签名。
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Catalogue 维护智能体定义与本地工具实现。
type Catalogue struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
	tools map[string]ToolFunc
}

// New 创建空目录。
func New() *Catalogue {
	return &Catalogue{
		defs:  make(map[string]Definition),
		tools: make(map[string]ToolFunc),
	}
}

// Register 登记或覆盖一条智能体定义。
func (c *Catalogue) Register(def Definition) {
	if def.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.ID]; !ok {
		c.order = append(c.order, def.ID)
	}
	c.defs[def.ID] = def
}

// Remove 从目录中摘除一条定义。
func (c *Catalogue) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[id]; !ok {
		return
	}
	delete(c.defs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Get 返回指定智能体的定义。
func (c *Catalogue) Get(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	return def, ok
}

// List 按登记顺序返回全部定义。
func (c *Catalogue) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		results = append(results, c.defs[id])
	}
	return results
}

// IDs 返回全部智能体 ID。
func (c *Catalogue) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// MatchKeywords 返回关键词与消息相交的智能体 ID，按登记顺序。
func (c *Catalogue) MatchKeywords(message string) []string {
	lowered := strings.ToLower(message)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []string
	for _, id := range c.order {
		for _, keyword := range c.defs[id].Keywords {
			if keyword != "" && strings.Contains(lowered, strings.ToLower(keyword)) {
				matched = append(matched, id)
				break
			}
		}
	}
	return matched
}

// RegisterTool 登记一个进程内工具实现。
func (c *Catalogue) RegisterTool(name string, fn ToolFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[name] = fn
}

// LocalTool 返回进程内工具实现；不存在时第二个返回值为 false。
func (c *Catalogue) LocalTool(name string) (ToolFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.tools[name]
	return fn, ok
}

// LocalToolNames 返回全部本地工具名，按字典序。
func (c *Catalogue) LocalToolNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WalletFor 返回智能体的收款地址，实现分账器的地址解析。
func (c *Catalogue) WalletFor(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defs[agentID].Wallet
}

// ScriptFor 返回智能体的执行脚本，实现派发器的脚本来源。
func (c *Catalogue) ScriptFor(agentID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[agentID]
	if !ok || def.Script == "" {
		return "", false
	}
	return def.Script, true
}
