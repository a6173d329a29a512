package table

import (
	"container/list"
	"runtime"
	"sync"
)

// Cache holds decoded blocks across reads. Implementations must be
// safe for concurrent use. The engine treats the cache as advisory: a
// miss just decodes the block again.
type Cache interface {
	Get(key uint64) (*Block, bool)
	Set(key uint64, blk *Block, cost int64)
	Close()
}

// lruCache is a sharded LRU over decoded blocks, bounded by the summed
// block cost in bytes.
type lruCache struct {
	shards []*lruShard
	mu     sync.RWMutex
	closed bool
}

type lruShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[uint64]*lruEntry
	order    *list.List
}

type lruEntry struct {
	key     uint64
	blk     *Block
	cost    int64
	element *list.Element
}

// NewCache builds the default block cache with the given byte
// capacity. Zero or negative capacity disables caching.
func NewCache(capacity int64) Cache {
	if capacity <= 0 {
		return &lruCache{}
	}
	numShards := max(4, 2*runtime.GOMAXPROCS(0))
	c := &lruCache{shards: make([]*lruShard, numShards)}
	for i := range c.shards {
		c.shards[i] = &lruShard{
			capacity: max(1, capacity/int64(numShards)),
			items:    make(map[uint64]*lruEntry),
			order:    list.New(),
		}
	}
	return c
}

func (c *lruCache) shard(key uint64) *lruShard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || len(c.shards) == 0 {
		return nil
	}
	return c.shards[key%uint64(len(c.shards))]
}

func (c *lruCache) Get(key uint64) (*Block, bool) {
	s := c.shard(key)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		s.order.MoveToFront(e.element)
		return e.blk, true
	}
	return nil, false
}

func (c *lruCache) Set(key uint64, blk *Block, cost int64) {
	s := c.shard(key)
	if s == nil || cost > s.capacity {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		s.size += cost - e.cost
		e.blk, e.cost = blk, cost
		s.order.MoveToFront(e.element)
	} else {
		for s.size+cost > s.capacity && s.order.Len() > 0 {
			s.evict()
		}
		e := &lruEntry{key: key, blk: blk, cost: cost}
		e.element = s.order.PushFront(e)
		s.items[key] = e
		s.size += cost
	}
	for s.size > s.capacity && s.order.Len() > 0 {
		s.evict()
	}
}

func (s *lruShard) evict() {
	elem := s.order.Back()
	if elem == nil {
		return
	}
	e := s.order.Remove(elem).(*lruEntry)
	delete(s.items, e.key)
	s.size -= e.cost
}

func (c *lruCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = nil
		s.order = nil
		s.size = 0
		s.mu.Unlock()
	}
	c.shards = nil
}
