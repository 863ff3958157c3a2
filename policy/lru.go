package policy

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// entry is one cached decision with its expiry.
type entry struct {
	key     string
	value   string
	expires time.Time
}

// shard is an LRU segment with its own lock, keeping critical sections
// short under concurrent policy checks.
type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *shard) get(key string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return "", false
	}
	ent := el.Value.(*entry)
	if now.After(ent.expires) {
		s.order.Remove(el)
		delete(s.items, key)
		return "", false
	}
	s.order.MoveToFront(el)
	return ent.value, true
}

func (s *shard) set(key, value string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expires = expires
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&entry{key: key, value: value, expires: expires})
	s.items[key] = el
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.items, oldest.Value.(*entry).key)
		}
	}
}

func (s *shard) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// shardedLRU spreads keys over shards by FNV-1a hash.
type shardedLRU struct {
	shards []*shard
}

func newShardedLRU(capacity, shardCount int) *shardedLRU {
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard(perShard)
	}
	return &shardedLRU{shards: shards}
}

func (l *shardedLRU) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *shardedLRU) get(key string, now time.Time) (string, bool) {
	return l.shardFor(key).get(key, now)
}

func (l *shardedLRU) set(key, value string, expires time.Time) {
	l.shardFor(key).set(key, value, expires)
}

func (l *shardedLRU) delete(key string) {
	l.shardFor(key).delete(key)
}

func (l *shardedLRU) len() int {
	total := 0
	for _, s := range l.shards {
		total += s.len()
	}
	return total
}
