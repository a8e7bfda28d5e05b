package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	kvBucket        = []byte("kv_store")
	listMetaBucket  = []byte("list_meta")
	listItemsBucket = []byte("list_items")
)

// Bolt is a Store persisted in a single bbolt file. Scalars live in the
// kv_store bucket, list metadata in list_meta and the items of each list
// in a nested bucket of list_items keyed by a big-endian sequence number.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := applyOptions(opts)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, backendErr("bolt", "open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{kvBucket, listMetaBucket, listItemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, backendErr("bolt", "open", err)
	}

	return &Bolt{db: db, now: o.now}, nil
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		value []byte
		found bool
		stale bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(kvBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		expiresAt, v := decodeEntry(raw)
		if expired(expiresAt, b.now()) {
			stale = true
			return nil
		}
		value, found = clone(v), true
		return nil
	})
	if err != nil {
		return nil, false, backendErr("bolt", "get", err)
	}
	if stale {
		return nil, false, b.evictEntry(key)
	}
	return value, found, nil
}

func (b *Bolt) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := applySetOptions(opts)

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), encodeEntry(expiryFrom(b.now(), o.ttl), value))
	})
	return backendErr("bolt", "set", err)
}

func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found, stale bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(kvBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if expiresAt, _ := decodeEntry(raw); expired(expiresAt, b.now()) {
			stale = true
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return false, backendErr("bolt", "exists", err)
	}
	if stale {
		return false, b.evictEntry(key)
	}
	return found, nil
}

func (b *Bolt) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	return backendErr("bolt", "del", err)
}

func (b *Bolt) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	at := b.now().Add(ttl)
	err := b.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(kvBucket)
		if raw := kv.Get([]byte(key)); raw != nil {
			_, v := decodeEntry(raw)
			if err := kv.Put([]byte(key), encodeEntry(&at, v)); err != nil {
				return err
			}
		}

		metas := tx.Bucket(listMetaBucket)
		if raw := metas.Get([]byte(key)); raw != nil {
			meta := decodeMeta(raw)
			meta.expiresAt = &at
			if err := metas.Put([]byte(key), meta.encode()); err != nil {
				return err
			}
		}
		return nil
	})
	return backendErr("bolt", "expire", err)
}

func (b *Bolt) LPush(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		now := b.now()
		metas := tx.Bucket(listMetaBucket)

		var meta boltMeta
		raw := metas.Get([]byte(key))
		if raw != nil {
			meta = decodeMeta(raw)
			if expired(meta.expiresAt, now) {
				if err := dropList(tx, key); err != nil {
					return err
				}
				raw = nil
			}
		}
		if raw == nil {
			meta = boltMeta{createdAt: now}
		}

		items, err := tx.Bucket(listItemsBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("creating item bucket: %w", err)
		}
		seq, err := items.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		if err := items.Put(seqKey(seq), encodeItem(now, value)); err != nil {
			return err
		}

		meta.updatedAt = now
		return metas.Put([]byte(key), meta.encode())
	})
	return backendErr("bolt", "lpush", err)
}

func (b *Bolt) LRange(ctx context.Context, key string, start, end int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	skip, limit, ok := window(start, end)
	out := [][]byte{}
	var stale bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(listMetaBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if expired(decodeMeta(raw).expiresAt, b.now()) {
			stale = true
			return nil
		}
		items := tx.Bucket(listItemsBucket).Bucket([]byte(key))
		if items == nil || !ok {
			return nil
		}

		c := items.Cursor()
		var idx int64
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if idx < skip {
				idx++
				continue
			}
			if limit >= 0 && int64(len(out)) >= limit {
				break
			}
			_, value := decodeItem(v)
			out = append(out, clone(value))
			idx++
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("bolt", "lrange", err)
	}
	if stale {
		return [][]byte{}, b.evictList(key)
	}
	return out, nil
}

func (b *Bolt) LLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		n     int64
		stale bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(listMetaBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if expired(decodeMeta(raw).expiresAt, b.now()) {
			stale = true
			return nil
		}
		if items := tx.Bucket(listItemsBucket).Bucket([]byte(key)); items != nil {
			n = int64(items.Stats().KeyN)
		}
		return nil
	})
	if err != nil {
		return 0, backendErr("bolt", "llen", err)
	}
	if stale {
		return 0, b.evictList(key)
	}
	return n, nil
}

func (b *Bolt) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := CompilePattern(pattern)
	prefix := []byte(p.Prefix())
	keys := []string{}
	var stale []string
	err := b.db.View(func(tx *bolt.Tx) error {
		now := b.now()
		c := tx.Bucket(listMetaBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !p.Match(string(k)) {
				continue
			}
			if expired(decodeMeta(v).expiresAt, now) {
				stale = append(stale, string(k))
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("bolt", "keys", err)
	}
	for _, key := range stale {
		if err := b.evictList(key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Sweep removes every expired scalar and list in one transaction.
func (b *Bolt) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		now := b.now()

		var entries, lists [][]byte
		kv := tx.Bucket(kvBucket)
		if err := kv.ForEach(func(k, v []byte) error {
			if expiresAt, _ := decodeEntry(v); expired(expiresAt, now) {
				entries = append(entries, clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(listMetaBucket).ForEach(func(k, v []byte) error {
			if expired(decodeMeta(v).expiresAt, now) {
				lists = append(lists, clone(k))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range entries {
			if err := kv.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range lists {
			if err := dropList(tx, string(k)); err != nil {
				return err
			}
		}
		removed = len(entries) + len(lists)
		return nil
	})
	if err != nil {
		return 0, backendErr("bolt", "sweep", err)
	}
	return removed, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// evictEntry deletes the scalar under key if it is still expired.
func (b *Bolt) evictEntry(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(kvBucket)
		raw := kv.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if expiresAt, _ := decodeEntry(raw); !expired(expiresAt, b.now()) {
			return nil
		}
		return kv.Delete([]byte(key))
	})
	return backendErr("bolt", "evict", err)
}

// evictList cascade-deletes the list under key if it is still expired.
func (b *Bolt) evictList(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(listMetaBucket).Get([]byte(key))
		if raw == nil || !expired(decodeMeta(raw).expiresAt, b.now()) {
			return nil
		}
		return dropList(tx, key)
	})
	return backendErr("bolt", "evict", err)
}

// dropList removes the meta record and the item bucket of a list.
func dropList(tx *bolt.Tx, key string) error {
	if err := tx.Bucket(listMetaBucket).Delete([]byte(key)); err != nil {
		return fmt.Errorf("deleting list meta: %w", err)
	}
	items := tx.Bucket(listItemsBucket)
	if items.Bucket([]byte(key)) == nil {
		return nil
	}
	if err := items.DeleteBucket([]byte(key)); err != nil {
		return fmt.Errorf("deleting list items: %w", err)
	}
	return nil
}

// Timestamps are stored as 8-byte big-endian Unix nanoseconds; 0 means unset.

func putTime(buf []byte, t *time.Time) {
	if t == nil {
		binary.BigEndian.PutUint64(buf, 0)
		return
	}
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
}

func readTime(buf []byte) *time.Time {
	n := binary.BigEndian.Uint64(buf)
	if n == 0 {
		return nil
	}
	t := time.Unix(0, int64(n))
	return &t
}

func encodeEntry(expiresAt *time.Time, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	putTime(buf, expiresAt)
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (*time.Time, []byte) {
	if len(raw) < 8 {
		return nil, nil
	}
	return readTime(raw[:8]), raw[8:]
}

func encodeItem(createdAt time.Time, value []byte) []byte {
	return encodeEntry(&createdAt, value)
}

func decodeItem(raw []byte) (time.Time, []byte) {
	t, v := decodeEntry(raw)
	if t == nil {
		return time.Time{}, v
	}
	return *t, v
}

type boltMeta struct {
	expiresAt *time.Time
	createdAt time.Time
	updatedAt time.Time
}

func (m boltMeta) encode() []byte {
	buf := make([]byte, 24)
	putTime(buf[0:8], m.expiresAt)
	putTime(buf[8:16], &m.createdAt)
	putTime(buf[16:24], &m.updatedAt)
	return buf
}

func decodeMeta(raw []byte) boltMeta {
	var m boltMeta
	if len(raw) < 24 {
		return m
	}
	m.expiresAt = readTime(raw[0:8])
	if t := readTime(raw[8:16]); t != nil {
		m.createdAt = *t
	}
	if t := readTime(raw[16:24]); t != nil {
		m.updatedAt = *t
	}
	return m
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
