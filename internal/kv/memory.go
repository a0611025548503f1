package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value    string
	deadline time.Time // zero — без TTL
}

func (e entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// MemoryStore — Store в памяти процесса.
//
// Истёкшие ключи удаляются лениво при обращении и при Sweep.
// Уведомления об истечении отправляются только из Sweep,
// поэтому для отложенных задач нужен запущенный Run.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]entry
	now     func() time.Time
	subs    map[int]chan string
	nextSub int
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry),
		now:  time.Now,
		subs: make(map[int]chan string),
	}
}

// WithClock подменяет источник времени (для тестов).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup возвращает живую запись. Вызывается под mu.
func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		// Уведомление отправит Sweep; здесь ключ просто невидим
		return entry{}, false
	}
	return e, true
}

// Get возвращает значение ключа.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// SetIfAbsent записывает значение, если ключа нет.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.data[key] = entry{value: value, deadline: s.deadline(ttl)}
	return true, nil
}

// Set записывает значение.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = entry{value: value, deadline: s.deadline(ttl)}
	return nil
}

// Delete удаляет ключ.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key)
	delete(s.data, key)
	return ok, nil
}

// DeleteIfEquals удаляет ключ, если значение совпадает.
func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// Exists проверяет наличие ключа.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key)
	return ok, nil
}

// Expire продлевает срок жизни ключа.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	e.deadline = s.deadline(ttl)
	s.data[key] = e
	return true, nil
}

// Keys возвращает живые ключи с префиксом, отсортированные по имени.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for key, e := range s.data {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Expirations подписывается на истечение ключей.
func (s *MemoryStore) Expirations(ctx context.Context) (<-chan string, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan string, 256)
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		close(ch)
	}()

	return ch, nil
}

// Sweep удаляет истёкшие ключи и уведомляет подписчиков.
// Возвращает имена удалённых ключей в порядке сортировки.
//
// Отправка неблокирующая: переполненный подписчик теряет уведомление,
// как и подписчик Redis keyspace notifications.
func (s *MemoryStore) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for key, e := range s.data {
		if e.expired(now) {
			expired = append(expired, key)
			delete(s.data, key)
		}
	}
	sort.Strings(expired)

	for _, key := range expired {
		for _, ch := range s.subs {
			select {
			case ch <- key:
			default:
			}
		}
	}
	return expired
}

// Run периодически вызывает Sweep до отмены ctx.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Subscribers возвращает количество активных подписок на истечение.
func (s *MemoryStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Len возвращает количество живых ключей.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
