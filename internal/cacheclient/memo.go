package cacheclient

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"time"

	"github.com/ignite/leadgen-engine/internal/cached"
)

// memoKey computes sha1(name || '|' || version || '|' || sha1(gob(query))).
// name stands in for the Python original's fingerprint(fn) — a hash of the
// function's source — since Go has no equivalent runtime source
// introspection; callers pass a stable name identifying the memoized
// operation (e.g. "queuebuilder.get_expand"), which serves the same
// cache-key-stability role a source fingerprint would.
func memoKey[Q any](name, version string, query Q) (string, bool) {
	var qbuf bytes.Buffer
	if err := gob.NewEncoder(&qbuf).Encode(query); err != nil {
		return "", false
	}
	qHash := sha1.Sum(qbuf.Bytes())

	h := sha1.New()
	h.Write([]byte(name))
	h.Write([]byte("|"))
	h.Write([]byte(version))
	h.Write([]byte("|"))
	h.Write([]byte(hex.EncodeToString(qHash[:])))
	return hex.EncodeToString(h.Sum(nil)), true
}

// Memo is deterministic content-addressed memoization: on miss, or when
// update is true, it runs fn(ctx, query), serializes the result via gob,
// and stores it with ttl. If the query can't be gob-encoded (so no stable
// key exists) or the result can't be gob-encoded, fn still runs and its
// value is returned uncached.
func Memo[Q any, R any](ctx context.Context, c *Client, name, version string, ttl time.Duration, update bool, query Q, fn func(context.Context, Q) (R, error)) (R, error) {
	key, haveKey := memoKey(name, version, query)

	if haveKey && !update {
		if raw, found := c.Get(key, ttl); found {
			var out R
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&out); err == nil {
				return out, nil
			}
		}
	}

	val, err := fn(ctx, query)
	if err != nil {
		var zero R
		return zero, err
	}
	if !haveKey {
		return val, nil
	}

	var vbuf bytes.Buffer
	if err := gob.NewEncoder(&vbuf).Encode(val); err != nil {
		return val, nil // serialization failed: return raw value, don't cache
	}
	c.Set(key, vbuf.Bytes(), ttl)
	return val, nil
}

// Pair is one (query, value) result from MemoManyIter.
type Pair[Q any, R any] struct {
	Query Q
	Value R
}

// MemoManyIter batch-memoizes queries against one shared fn that computes
// every miss at once, producing (query, value) pairs in undefined order.
// Misses are grouped into a single SET_MANY round trip.
func MemoManyIter[Q any, R any](ctx context.Context, c *Client, name, version string, ttl time.Duration, queries []Q, fn func(context.Context, []Q) ([]R, error)) ([]Pair[Q, R], error) {
	type slot struct {
		query Q
		key   string
		have  bool
	}

	slots := make([]slot, len(queries))
	keys := make([]string, 0, len(queries))
	for i, q := range queries {
		key, ok := memoKey(name, version, q)
		slots[i] = slot{query: q, key: key, have: ok}
		if ok {
			keys = append(keys, key)
		}
	}

	hits := c.MGet(keys, ttl)

	out := make([]Pair[Q, R], 0, len(queries))
	var missIdx []int
	for i, s := range slots {
		if s.have {
			if raw, found := hits[s.key]; found {
				var val R
				if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&val); err == nil {
					out = append(out, Pair[Q, R]{Query: s.query, Value: val})
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missQueries := make([]Q, len(missIdx))
	for i, idx := range missIdx {
		missQueries[i] = slots[idx].query
	}
	missValues, err := fn(ctx, missQueries)
	if err != nil {
		return nil, err
	}

	var pairs []cached.KV
	for i, idx := range missIdx {
		if i >= len(missValues) {
			break
		}
		s := slots[idx]
		val := missValues[i]
		out = append(out, Pair[Q, R]{Query: s.query, Value: val})
		if !s.have {
			continue
		}
		var vbuf bytes.Buffer
		if err := gob.NewEncoder(&vbuf).Encode(val); err != nil {
			continue
		}
		pairs = append(pairs, cached.KV{Key: s.key, Value: vbuf.Bytes()})
	}
	if len(pairs) > 0 {
		c.SetMany(pairs, ttl)
	}
	return out, nil
}
