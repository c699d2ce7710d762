package common

import (
	"hash/fnv"
	"sync"
)

// KeyLock serializes work per key while letting different keys proceed in
// parallel.
//
// Entries are reference counted and removed once the last holder/waiter
// releases them, so the table only grows with the number of keys currently
// in use. The table itself is sharded to keep contention on the bookkeeping
// mutex low when many bots are operated on at once.
type KeyLock struct {
	shards []keyLockShard
}

type keyLockShard struct {
	mu sync.Mutex
	m  map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock creates a KeyLock with shardCount shards (64 when <= 0).
func NewKeyLock(shardCount int) *KeyLock {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]keyLockShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]*keyLockEntry)
	}
	return &KeyLock{shards: shards}
}

// Lock blocks until key is held and returns the matching unlock func.
func (l *KeyLock) Lock(key string) (unlock func()) {
	sh := l.shard(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		e = &keyLockEntry{}
		sh.m[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	e.mu.Lock()
	return l.releaser(sh, key, e)
}

// TryLock acquires key only if nobody holds or waits for it.
func (l *KeyLock) TryLock(key string) (unlock func(), ok bool) {
	sh := l.shard(key)
	sh.mu.Lock()
	if _, busy := sh.m[key]; busy {
		sh.mu.Unlock()
		return nil, false
	}
	e := &keyLockEntry{refs: 1}
	e.mu.Lock()
	sh.m[key] = e
	sh.mu.Unlock()
	return l.releaser(sh, key, e), true
}

func (l *KeyLock) releaser(sh *keyLockShard, key string, e *keyLockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			sh.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(sh.m, key)
			}
			sh.mu.Unlock()
		})
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *KeyLock) Held() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (l *KeyLock) shard(key string) *keyLockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[int(h.Sum32()%uint32(len(l.shards)))]
}
