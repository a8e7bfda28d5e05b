package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

type mongoEntry struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expiresAt"`
}

type mongoMeta struct {
	Key       string     `bson:"_id"`
	ExpiresAt *time.Time `bson:"expiresAt"`
	CreatedAt time.Time  `bson:"createdAt"`
	UpdatedAt time.Time  `bson:"updatedAt"`
	Seq       int64      `bson:"seq"`
}

type mongoItem struct {
	Key       string    `bson:"key"`
	Seq       int64     `bson:"seq"`
	Value     []byte    `bson:"value"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Mongo is a Store backed by three MongoDB collections: kv_store for
// scalars, list_meta for list metadata and list_items with one document per
// list item. Items never share a document, so concurrent pushes cannot
// overwrite each other.
type Mongo struct {
	client *mongo.Client
	kv     *mongo.Collection
	metas  *mongo.Collection
	items  *mongo.Collection
	now    func() time.Time

	indexMu    sync.Mutex
	indexReady bool
}

// OpenMongo creates a client for uri. The driver connects lazily, so no
// network round trip happens until the first operation.
func OpenMongo(ctx context.Context, uri, database string, opts ...Option) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is not set")
	}
	o := applyOptions(opts)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, backendErr("mongo", "connect", err)
	}

	db := client.Database(database)
	return &Mongo{
		client: client,
		kv:     db.Collection("kv_store"),
		metas:  db.Collection("list_meta"),
		items:  db.Collection("list_items"),
		now:    o.now,
	}, nil
}

// ensureIndexes creates the item ordering index once per process.
func (m *Mongo) ensureIndexes(ctx context.Context) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if m.indexReady {
		return nil
	}

	_, err := m.items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}, {Key: "seq", Value: -1}},
	})
	if err != nil {
		return backendErr("mongo", "create index", err)
	}
	m.indexReady = true
	return nil
}

func (m *Mongo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc mongoEntry
	err := m.kv.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, backendErr("mongo", "get", err)
	}
	if expired(doc.ExpiresAt, m.now()) {
		return nil, false, m.evictEntry(ctx, key)
	}
	return doc.Value, true, nil
}

func (m *Mongo) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	o := applySetOptions(opts)
	_, err := m.kv.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value, "expiresAt": expiryFrom(m.now(), o.ttl)}},
		options.Update().SetUpsert(true),
	)
	return backendErr("mongo", "set", err)
}

func (m *Mongo) Exists(ctx context.Context, key string) (bool, error) {
	var doc mongoEntry
	err := m.kv.FindOne(ctx,
		bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"expiresAt": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("mongo", "exists", err)
	}
	if expired(doc.ExpiresAt, m.now()) {
		return false, m.evictEntry(ctx, key)
	}
	return true, nil
}

func (m *Mongo) Del(ctx context.Context, key string) error {
	_, err := m.kv.DeleteOne(ctx, bson.M{"_id": key})
	return backendErr("mongo", "del", err)
}

func (m *Mongo) Expire(ctx context.Context, key string, ttl time.Duration) error {
	update := bson.M{"$set": bson.M{"expiresAt": m.now().Add(ttl)}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.kv.UpdateOne(gctx, bson.M{"_id": key}, update)
		return err
	})
	g.Go(func() error {
		_, err := m.metas.UpdateOne(gctx, bson.M{"_id": key}, update)
		return err
	})
	return backendErr("mongo", "expire", g.Wait())
}

func (m *Mongo) LPush(ctx context.Context, key string, value []byte) error {
	if err := m.ensureIndexes(ctx); err != nil {
		return err
	}
	if _, err := m.liveMeta(ctx, key); err != nil {
		return err
	}

	// The meta upsert hands out the item sequence, so ordering does not
	// depend on clock resolution.
	now := m.now()
	var meta mongoMeta
	err := m.metas.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set":         bson.M{"updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now, "expiresAt": nil},
			"$inc":         bson.M{"seq": int64(1)},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&meta)
	if err != nil {
		return backendErr("mongo", "lpush", err)
	}

	_, err = m.items.InsertOne(ctx, mongoItem{Key: key, Seq: meta.Seq, Value: value, CreatedAt: now})
	return backendErr("mongo", "lpush", err)
}

func (m *Mongo) LRange(ctx context.Context, key string, start, end int64) ([][]byte, error) {
	meta, err := m.liveMeta(ctx, key)
	if err != nil {
		return nil, err
	}
	skip, limit, ok := window(start, end)
	if meta == nil || !ok {
		return [][]byte{}, nil
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if skip > 0 {
		findOpts.SetSkip(skip)
	}
	if limit >= 0 {
		findOpts.SetLimit(limit)
	}
	cur, err := m.items.Find(ctx, bson.M{"key": key}, findOpts)
	if err != nil {
		return nil, backendErr("mongo", "lrange", err)
	}
	var docs []mongoItem
	if err := cur.All(ctx, &docs); err != nil {
		return nil, backendErr("mongo", "lrange", err)
	}

	out := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Value)
	}
	return out, nil
}

func (m *Mongo) LLen(ctx context.Context, key string) (int64, error) {
	meta, err := m.liveMeta(ctx, key)
	if err != nil || meta == nil {
		return 0, err
	}
	n, err := m.items.CountDocuments(ctx, bson.M{"key": key})
	if err != nil {
		return 0, backendErr("mongo", "llen", err)
	}
	return n, nil
}

func (m *Mongo) Keys(ctx context.Context, pattern string) ([]string, error) {
	p := CompilePattern(pattern)
	cur, err := m.metas.Find(ctx,
		bson.M{"_id": bson.M{"$regex": p.Regexp()}},
		options.Find().SetProjection(bson.M{"expiresAt": 1}),
	)
	if err != nil {
		return nil, backendErr("mongo", "keys", err)
	}
	var metas []mongoMeta
	if err := cur.All(ctx, &metas); err != nil {
		return nil, backendErr("mongo", "keys", err)
	}

	now := m.now()
	keys := []string{}
	var stale []string
	for _, meta := range metas {
		if expired(meta.ExpiresAt, now) {
			stale = append(stale, meta.Key)
			continue
		}
		keys = append(keys, meta.Key)
	}
	if err := m.dropLists(ctx, stale); err != nil {
		return nil, err
	}
	return keys, nil
}

// Sweep removes expired scalars and cascade-deletes expired lists.
func (m *Mongo) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	expiredFilter := bson.M{"expiresAt": bson.M{"$ne": nil, "$lte": now}}

	res, err := m.kv.DeleteMany(ctx, expiredFilter)
	if err != nil {
		return 0, backendErr("mongo", "sweep", err)
	}

	cur, err := m.metas.Find(ctx, expiredFilter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, backendErr("mongo", "sweep", err)
	}
	var metas []mongoMeta
	if err := cur.All(ctx, &metas); err != nil {
		return 0, backendErr("mongo", "sweep", err)
	}
	keys := make([]string, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Key)
	}
	if err := m.dropLists(ctx, keys); err != nil {
		return 0, err
	}
	return int(res.DeletedCount) + len(keys), nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// liveMeta returns the list meta for key, or nil when the list does not
// exist. An expired list is cascade-deleted and reported as absent.
func (m *Mongo) liveMeta(ctx context.Context, key string) (*mongoMeta, error) {
	var meta mongoMeta
	err := m.metas.FindOne(ctx, bson.M{"_id": key}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("mongo", "list meta", err)
	}
	if expired(meta.ExpiresAt, m.now()) {
		return nil, m.dropLists(ctx, []string{key})
	}
	return &meta, nil
}

func (m *Mongo) evictEntry(ctx context.Context, key string) error {
	_, err := m.kv.DeleteOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$lte": m.now()}})
	return backendErr("mongo", "evict", err)
}

// dropLists issues the meta and item deletions together.
func (m *Mongo) dropLists(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := m.metas.DeleteMany(gctx, bson.M{"_id": bson.M{"$in": keys}}); err != nil {
			return fmt.Errorf("deleting list meta: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := m.items.DeleteMany(gctx, bson.M{"key": bson.M{"$in": keys}}); err != nil {
			return fmt.Errorf("deleting list items: %w", err)
		}
		return nil
	})
	return backendErr("mongo", "drop lists", g.Wait())
}
