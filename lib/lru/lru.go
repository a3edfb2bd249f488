package lru

import "sync"

type node[K comparable, V any] struct {
	Key K
	Val V

	Prev *node[K, V]
	Next *node[K, V]
}

// Cache is a fixed capacity least recently used cache. It is safe for
// concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	cache    map[K]*node[K, V]

	left  *node[K, V]
	right *node[K, V]

	// OnEvict is called with the evicted entry while the cache lock is held.
	OnEvict func(K, V)
}

func New[K comparable, V any](capacity int) *Cache[K, V] {
	left, right := &node[K, V]{}, &node[K, V]{}

	left.Next = right
	right.Prev = left

	return &Cache[K, V]{
		left:     left,
		right:    right,
		capacity: capacity,
		cache:    make(map[K]*node[K, V]),
	}
}

func (l *Cache[K, V]) Put(key K, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capacity <= 0 {
		return
	}

	n, exists := l.cache[key]
	if exists {
		l.deleteNode(n)
	}

	n = &node[K, V]{Key: key, Val: value}
	l.cache[key] = n
	l.insertNode(n)

	if len(l.cache) > l.capacity {
		l.evict()
	}
}

func (l *Cache[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, exists := l.cache[key]
	if !exists {
		var zero V
		return zero, false
	}

	l.deleteNode(n)
	l.insertNode(n)

	return n.Val, true
}

// Peek returns the value without marking it as recently used.
func (l *Cache[K, V]) Peek(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, exists := l.cache[key]
	if !exists {
		var zero V
		return zero, false
	}

	return n.Val, true
}

func (l *Cache[K, V]) Remove(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, exists := l.cache[key]
	if !exists {
		return
	}

	l.deleteNode(n)
	delete(l.cache, key)
}

func (l *Cache[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.cache)
}

func (l *Cache[K, V]) evict() {
	lru := l.left.Next
	l.deleteNode(lru)

	delete(l.cache, lru.Key)
	if l.OnEvict != nil {
		l.OnEvict(lru.Key, lru.Val)
	}
}

func (l *Cache[K, V]) insertNode(n *node[K, V]) {
	prev, next := l.right.Prev, l.right

	n.Prev = prev
	n.Next = next

	prev.Next = n
	next.Prev = n
}

func (l *Cache[K, V]) deleteNode(n *node[K, V]) {
	prev, next := n.Prev, n.Next

	prev.Next = next
	next.Prev = prev
}
