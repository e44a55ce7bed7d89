package core

import (
	"sync"
)

// CredentialRing 有序 API Key 列表 + 当前使用位置 (线程安全)
// Key 列表在启动后不可变，唯一的可变状态是 current
type CredentialRing struct {
	keys    []string
	current int
	mutex   sync.Mutex
}

// NewCredentialRing 创建密钥环，起始位置为 0
func NewCredentialRing(keys []string) *CredentialRing {
	copied := make([]string, len(keys))
	copy(copied, keys)
	return &CredentialRing{keys: copied}
}

// Count 返回 Key 数量
func (r *CredentialRing) Count() int {
	return len(r.keys)
}

// Index 返回当前 Key 的位置
func (r *CredentialRing) Index() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.current
}

// Current 返回当前 Key 及其位置，没有 Key 时 ok=false
func (r *CredentialRing) Current() (key string, index int, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.keys) == 0 {
		return "", 0, false
	}
	return r.keys[r.current], r.current, true
}

// Rotate 从 from 位置切换到下一个 Key，返回切换后的位置
// 只有当前位置仍等于 from 时才推进：并发请求在同一个 Key 上失败时只推进一次
// Key 数量 <= 1 时为空操作
func (r *CredentialRing) Rotate(from int) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.keys) <= 1 {
		return r.current
	}
	if r.current == from {
		r.current = (r.current + 1) % len(r.keys)
	}
	return r.current
}
