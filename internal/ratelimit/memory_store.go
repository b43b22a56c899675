package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryEntry はMemoryStoreの1キー分のエントリ。
type memoryEntry struct {
	count     int64
	value     string
	expiresAt time.Time
}

// MemoryStore はプロセス内マップによるStore実装。
// 単一プロセスの開発環境とテストで使用する。複数プロセス間では共有されない。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は新しいMemoryStoreを生成する。nowがnilの場合はtime.Nowを使用する。
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
}

// Get はキーの現在の使用量を返す。
func (s *MemoryStore) Get(_ context.Context, key string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntry(key)
	if e == nil {
		return Usage{}, nil
	}
	return Usage{Count: e.count, TTL: e.expiresAt.Sub(s.now())}, nil
}

// Increment はキーの使用量を加算する。初回加算時にTTLを設定する。
func (s *MemoryStore) Increment(_ context.Context, key string, cost int64, window time.Duration) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.liveEntry(key)
	if e == nil {
		e = &memoryEntry{expiresAt: now.Add(window)}
		s.entries[key] = e
	}
	e.count += cost
	return Usage{Count: e.count, TTL: e.expiresAt.Sub(now)}, nil
}

// SetIfAbsent はキーが存在しない場合のみ値を設定する。
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveEntry(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// DeleteExpired は期限切れのエントリを削除し、削除件数を返す。
func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// liveEntry は期限内のエントリを返す。期限切れの場合は削除してnilを返す。
// 呼び出し側でmuを保持していること。
func (s *MemoryStore) liveEntry(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}
