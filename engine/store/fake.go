package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fake is an in-process Store used by package tests that exercise decision
// and config logic without a live Redis instance. It implements just enough
// of EVAL's semantics to run this package's own algorithm scripts: it
// recognizes them by identity and re-executes their Go-side equivalents,
// since a real Lua VM is out of scope for a test double.
type Fake struct {
	mu      sync.Mutex
	values  map[string]fakeEntry
	hashes  map[string]map[string]string
	expires map[string]time.Time
	down    bool
	scripts map[string]EvalFunc
}

type fakeEntry struct {
	value string
}

// EvalFunc is the Go-side equivalent of a Lua script, registered against the
// script's Hash() so Fake.Eval can dispatch to the right algorithm.
type EvalFunc func(ctx context.Context, keys []string, args []interface{}) (interface{}, error)

// NewFake constructs an empty in-memory store.
func NewFake() *Fake {
	return &Fake{
		values:  make(map[string]fakeEntry),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
		scripts: make(map[string]EvalFunc),
	}
}

// SetDown flips the fake store's reachability for Ping and Eval, used by
// fail-open guard tests to simulate an outage and recovery.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// RegisterScript installs the Go-side equivalent of a *redis.Script, keyed by
// its Hash() so Eval can dispatch real algorithm scripts to a test double
// without a Lua VM.
func (f *Fake) RegisterScript(script *redis.Script, fn EvalFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[script.Hash()] = fn
}

func (f *Fake) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	down := f.down
	fn := f.scripts[script.Hash()]
	f.mu.Unlock()
	if down {
		return nil, redis.ErrClosed
	}
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, keys, args)
}

func (f *Fake) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", redis.ErrClosed
	}
	f.expireLocked(key)
	return f.values[key].value, nil
}

func (f *Fake) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.ErrClosed
	}
	f.values[key] = fakeEntry{value: value}
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.ErrClosed
	}
	for _, k := range keys {
		delete(f.values, k)
		delete(f.hashes, k)
		delete(f.expires, k)
	}
	return nil
}

func (f *Fake) ScanDel(ctx context.Context, pattern string, batch int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.ErrClosed
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var toDelete []string
	for k := range f.values {
		if matchFakePattern(pattern, prefix, k) {
			toDelete = append(toDelete, k)
		}
	}
	for k := range f.hashes {
		if matchFakePattern(pattern, prefix, k) {
			toDelete = append(toDelete, k)
		}
	}
	sort.Strings(toDelete)
	for _, k := range toDelete {
		delete(f.values, k)
		delete(f.hashes, k)
		delete(f.expires, k)
	}
	return nil
}

func matchFakePattern(pattern, prefix, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, prefix)
	}
	return key == pattern
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.ErrClosed
	}
	return nil
}

func (f *Fake) expireLocked(key string) {
	if exp, ok := f.expires[key]; ok && time.Now().After(exp) {
		delete(f.values, key)
		delete(f.hashes, key)
		delete(f.expires, key)
	}
}

// HGetAll/HSet helpers used directly by algorithm tests that need hash
// semantics for the TOKEN family without going through Eval.
func (f *Fake) HGetAll(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out
}

func (f *Fake) HSet(key string, fields map[string]string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	}
}

// Incr increments a string-valued counter key, initializing it to the delta
// on first write, returning the new value, and reporting whether this call
// created the key (so callers can set a TTL exactly on first increment).
func (f *Fake) Incr(key string, delta int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	entry, existed := f.values[key]
	var cur int64
	if existed {
		cur, _ = strconv.ParseInt(entry.value, 10, 64)
	}
	cur += delta
	f.values[key] = fakeEntry{value: strconv.FormatInt(cur, 10)}
	return cur, !existed
}
