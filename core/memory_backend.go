package core

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend implements CoordinationBackend in process memory. It
// honors the same semantics as RedisBackend (TTL expiry, atomic CAS,
// scored sets, pattern pub/sub) and is the default for single-process
// deployments and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	subs    map[*memorySubscription]struct{}
	closed  bool
	nowFunc func() time.Time // overridable in tests
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:  make(map[string]memoryValue),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[*memorySubscription]struct{}),
		nowFunc: time.Now,
	}
}

// get returns the live value for key, expiring lazily. Caller holds mu.
func (b *MemoryBackend) get(key string) (memoryValue, bool) {
	v, ok := b.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && b.nowFunc().After(v.expiresAt) {
		delete(b.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.nowFunc().Add(ttl)
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBackendClosed
	}
	v, ok := b.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.values[key] = memoryValue{value: value, expiresAt: b.expiry(ttl)}
	return nil
}

func (b *MemoryBackend) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrBackendClosed
	}
	if _, ok := b.get(key); ok {
		return false, nil
	}
	b.values[key] = memoryValue{value: value, expiresAt: b.expiry(ttl)}
	return true, nil
}

func (b *MemoryBackend) CompareAndSet(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrBackendClosed
	}
	current, ok := b.get(key)
	if old == "" {
		if ok {
			return false, nil
		}
	} else if !ok || current.value != old {
		return false, nil
	}
	b.values[key] = memoryValue{value: new, expiresAt: b.expiry(ttl)}
	return true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrBackendClosed
	}
	current, ok := b.get(key)
	if !ok || current.value != token {
		return false, nil
	}
	delete(b.values, key)
	return true, nil
}

func (b *MemoryBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.IncrWindow(ctx, key, 0)
}

func (b *MemoryBackend) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBackendClosed
	}
	current, ok := b.get(key)
	var count int64
	if ok {
		count = parseInt(current.value)
	}
	count++
	expires := current.expiresAt
	if !ok && window > 0 {
		expires = b.expiry(window)
	}
	b.values[key] = memoryValue{value: formatInt(count), expiresAt: expires}
	return count, nil
}

func (b *MemoryBackend) HSet(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (b *MemoryBackend) HGet(ctx context.Context, key, field string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBackendClosed
	}
	h, ok := b.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *MemoryBackend) HDel(ctx context.Context, key string, fields ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if h, ok := b.hashes[key]; ok {
		for _, f := range fields {
			delete(h, f)
		}
	}
	return nil
}

func (b *MemoryBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	out := make(map[string]string)
	for f, v := range b.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (b *MemoryBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	z, ok := b.zsets[key]
	if !ok {
		z = make(map[string]float64)
		b.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (b *MemoryBackend) ZRem(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if z, ok := b.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (b *MemoryBackend) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", 0, ErrBackendClosed
	}
	z, ok := b.zsets[key]
	if !ok || len(z) == 0 {
		return "", 0, ErrNotFound
	}
	var minMember string
	var minScore float64
	first := true
	for m, s := range z {
		if first || s < minScore || (s == minScore && m < minMember) {
			minMember, minScore, first = m, s, false
		}
	}
	delete(z, minMember)
	return minMember, minScore, nil
}

func (b *MemoryBackend) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	var members []ScoredMember
	for m, s := range b.zsets[key] {
		if s >= min && s <= max {
			members = append(members, ScoredMember{Member: m, Score: s})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (b *MemoryBackend) ZCard(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBackendClosed
	}
	return int64(len(b.zsets[key])), nil
}

func (b *MemoryBackend) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	msg := BackendMessage{Channel: channel, Payload: payload}
	for sub := range b.subs {
		if matched, _ := path.Match(sub.pattern, channel); matched {
			select {
			case sub.events <- msg:
			default:
				// Slow subscriber; drop rather than block the
				// publisher. Pub/sub is at-least-once with gaps.
			}
		}
	}
	return nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	sub := &memorySubscription{
		backend: b,
		pattern: pattern,
		events:  make(chan BackendMessage, 64),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.events)
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	backend *MemoryBackend
	pattern string
	events  chan BackendMessage
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan BackendMessage {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if _, ok := s.backend.subs[s]; ok {
		delete(s.backend.subs, s)
		s.once.Do(func() { close(s.events) })
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
