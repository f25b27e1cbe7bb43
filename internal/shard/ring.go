package shard

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// Ring 一致性哈希环，把订单 id 映射到固定的处理通道。
// 同一个 key 总是落到同一个节点，增加节点时只迁移少量 key。
type Ring struct {
	hash       func(data []byte) uint32
	replicas   int
	keys       []int // 已排序的虚拟节点哈希
	hashMap    map[int]string
	mu         sync.RWMutex
	nodeLookup map[string]struct{}
}

// NewRing 创建哈希环，nodes 为空时生成一个默认节点
func NewRing(nodes []string, replicas int) *Ring {
	if replicas <= 0 {
		replicas = 50
	}
	if len(nodes) == 0 {
		nodes = []string{"lane-0"}
	}
	r := &Ring{
		hash:       crc32.ChecksumIEEE,
		replicas:   replicas,
		hashMap:    make(map[int]string),
		nodeLookup: make(map[string]struct{}),
	}
	r.Add(nodes...)
	return r
}

// NewLaneRing 创建 lane-0 ... lane-(n-1) 共 n 个节点的环
func NewLaneRing(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = LaneName(i)
	}
	return NewRing(nodes, 0)
}

// LaneName 通道节点名
func LaneName(i int) string {
	return "lane-" + strconv.Itoa(i)
}

// Add 批量添加节点
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range nodes {
		if _, exists := r.nodeLookup[node]; exists {
			continue
		}
		r.nodeLookup[node] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			h := int(r.hash([]byte(node + "#" + strconv.Itoa(i))))
			r.keys = append(r.keys, h)
			r.hashMap[h] = node
		}
	}
	sort.Ints(r.keys)
}

// Node 根据 key 获取负责的节点
func (r *Ring) Node(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 {
		return ""
	}
	h := int(r.hash([]byte(key)))
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.hashMap[r.keys[idx]]
}

// Nodes 当前所有节点
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodeLookup))
	for n := range r.nodeLookup {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
