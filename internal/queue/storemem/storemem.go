// Package storemem is an in-memory stand-in for the Redis store
// vocabulary. Protocol and worker tests run against it so they need no
// live Redis; BRPopLPush blocks like the real command does.
package storemem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type Store struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	lists  map[string][]string
	fail   map[string]error
}

func New() *Store {
	return &Store{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		fail:   make(map[string]error),
	}
}

// FailWith makes every subsequent call of op return err; clear with nil.
// Ops: hsetall, hgetall, hset, hincrby, lpush, brpoplpush, lrem, lrange.

func (s *Store) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	return s.fail[op]
}

func (s *Store) HSetAll(ctx context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("hsetall"); err != nil {
		return err
	}

	h := s.hashes[key]

	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}

	for f, v := range fields {
		h[f] = toString(v)
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("hgetall"); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(s.hashes[key]))

	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.HSetAll(ctx, key, map[string]any{field: value})
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("hincrby"); err != nil {
		return 0, err
	}

	h := s.hashes[key]

	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}

	n := parseInt(h[field]) + delta
	h[field] = formatInt(n)
	return n, nil
}

func (s *Store) LPush(ctx context.Context, list, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("lpush"); err != nil {
		return err
	}

	// index 0 is the head
	s.lists[list] = append([]string{value}, s.lists[list]...)
	return nil
}

func (s *Store) BRPopLPush(ctx context.Context, src, dst string, block time.Duration) (string, error) {
	deadline := time.Now().Add(block)

	for {
		s.mu.Lock()

		if err := s.failure("brpoplpush"); err != nil {
			s.mu.Unlock()
			return "", err
		}

		if l := s.lists[src]; len(l) > 0 {
			v := l[len(l)-1]
			s.lists[src] = l[:len(l)-1]
			s.lists[dst] = append([]string{v}, s.lists[dst]...)
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Store) LRem(ctx context.Context, list string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("lrem"); err != nil {
		return 0, err
	}

	removed := int64(0)
	out := s.lists[list][:0:0]

	for _, v := range s.lists[list] {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	s.lists[list] = out
	return removed, nil
}

func (s *Store) LRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("lrange"); err != nil {
		return nil, err
	}

	l := s.lists[list]
	n := int64(len(l))

	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

// seeding/inspection helpers for tests

func (s *Store) SeedHash(key string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := make(map[string]string, len(fields))
	for f, v := range fields {
		h[f] = v
	}
	s.hashes[key] = h
}

func (s *Store) SeedList(list string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[list] = append([]string(nil), values...)
}

func (s *Store) List(list string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.lists[list]...)
}

func (s *Store) Occurrences(list, value string) int {
	n := 0

	for _, v := range s.List(list) {
		if v == value {
			n++
		}
	}
	return n
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
