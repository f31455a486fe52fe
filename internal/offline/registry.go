package offline

import (
	"sort"
	"sync"
)

// Registry 是受互斥锁保护的名称集合，用于 in-flight 与取消登记。
type Registry struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewRegistry 返回空集合。
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// TryAdd 原子地插入 name；已存在时返回 false。
func (r *Registry) TryAdd(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return false
	}
	r.names[name] = struct{}{}
	return true
}

// Add 插入 name。
func (r *Registry) Add(name string) {
	r.mu.Lock()
	r.names[name] = struct{}{}
	r.mu.Unlock()
}

// Remove 删除 name，返回删除前是否存在。
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	delete(r.names, name)
	return ok
}

// Has 判断 name 是否存在。
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	return ok
}

// Names 返回排序后的全部名称。
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
