package mongo

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
)

// fakeCollection is an in-memory Collection supporting the filter and
// update operators the stores use: equality, nil, $in, $lt, $lte, $gte,
// $set, $setOnInsert, $unset, $inc, $max and the attempts/max_attempts
// $expr used by ListRetryable. Documents are held as bson.M, round-tripped
// through bson.Marshal so the behavior matches the driver's encoding.
type fakeCollection struct {
	mu     sync.Mutex
	docs   []bson.M
	unique [][]string
}

func newFakeCollection(uniqueKeys ...[]string) *fakeCollection {
	return &fakeCollection{unique: uniqueKeys}
}

func toM(doc any) bson.M {
	if m, ok := doc.(bson.M); ok {
		raw, _ := bson.Marshal(m)
		var out bson.M
		_ = bson.Unmarshal(raw, &out)
		return out
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	var out bson.M
	_ = bson.Unmarshal(raw, &out)
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return v
	}
}

func equal(a, b any) bool {
	na, nb := normalize(a), normalize(b)
	if ta, ok := na.(time.Time); ok {
		if tb, ok := nb.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return fmt.Sprint(na) == fmt.Sprint(nb)
}

func less(a, b any) bool {
	na, nb := normalize(a), normalize(b)
	switch ta := na.(type) {
	case time.Time:
		if tb, ok := nb.(time.Time); ok {
			return ta.Before(tb)
		}
	case int64:
		if tb, ok := nb.(int64); ok {
			return ta < tb
		}
	case string:
		if tb, ok := nb.(string); ok {
			return ta < tb
		}
	case primitive.ObjectID:
		if tb, ok := nb.(primitive.ObjectID); ok {
			return bytes.Compare(ta[:], tb[:]) < 0
		}
	}
	return false
}

func matchesCondition(val any, cond any) bool {
	m, ok := cond.(bson.M)
	if !ok {
		if cond == nil {
			return val == nil
		}
		return equal(val, cond)
	}
	for op, arg := range m {
		switch op {
		case "$lt":
			if !less(val, arg) {
				return false
			}
		case "$lte":
			if !less(val, arg) && !equal(val, arg) {
				return false
			}
		case "$gt":
			if !less(arg, val) {
				return false
			}
		case "$gte":
			if !less(arg, val) && !equal(val, arg) {
				return false
			}
		case "$in":
			found := false
			items := toSlice(arg)
			for _, item := range items {
				if equal(val, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$ne":
			if equal(val, arg) {
				return false
			}
		default:
			panic("fakeCollection: unsupported operator " + op)
		}
	}
	return true
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case primitive.A:
		return []any(t)
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func matches(doc bson.M, filter any) bool {
	f := toM(filter)
	for k, cond := range f {
		if k == "$expr" {
			// Only the attempts < max_attempts comparison is supported.
			expr := toM(cond)
			args := toSlice(expr["$lt"])
			if len(args) != 2 {
				panic("fakeCollection: unsupported $expr")
			}
			l := doc[fieldRef(args[0])]
			r := doc[fieldRef(args[1])]
			if !less(l, r) {
				return false
			}
			continue
		}
		if !matchesCondition(doc[k], cond) {
			return false
		}
	}
	return true
}

func fieldRef(v any) string {
	s, _ := v.(string)
	if len(s) > 0 && s[0] == '$' {
		return s[1:]
	}
	return s
}

func (c *fakeCollection) checkUnique(candidate bson.M, skip int) error {
	for _, keys := range c.unique {
		for i, doc := range c.docs {
			if i == skip {
				continue
			}
			same := true
			for _, k := range keys {
				if !equal(doc[k], candidate[k]) {
					same = false
					break
				}
			}
			if same {
				return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
			}
		}
	}
	return nil
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any,
	_ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := toM(doc)
	if _, ok := m["_id"]; !ok {
		m["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUnique(m, -1); err != nil {
		return nil, err
	}
	c.docs = append(c.docs, m)
	return &mongodriver.InsertOneResult{InsertedID: m["_id"]}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any,
	opts ...*options.FindOneOptions) clientsmongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(_ context.Context, filter any,
	opts ...*options.FindOptions) (clientsmongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bson.M
	for _, doc := range c.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	opt := options.MergeFindOptions(opts...)
	if opt.Sort != nil {
		sortDocs(out, opt.Sort)
	}
	if opt.Limit != nil && int64(len(out)) > *opt.Limit {
		out = out[:*opt.Limit]
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) clientsmongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	opt := options.MergeFindOneAndUpdateOptions(opts...)

	var candidates []bson.M
	for _, doc := range c.docs {
		if matches(doc, filter) {
			candidates = append(candidates, doc)
		}
	}
	if len(candidates) == 0 {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	if opt.Sort != nil {
		sortDocs(candidates, opt.Sort)
	}
	doc := candidates[0]
	before := toM(doc)
	applyUpdate(doc, toM(update), false)
	if opt.ReturnDocument != nil && *opt.ReturnDocument == options.After {
		return fakeSingleResult{doc: doc}
	}
	return fakeSingleResult{doc: before}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opt := options.MergeUpdateOptions(opts...)
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, toM(update), false)
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	if opt.Upsert != nil && *opt.Upsert {
		doc := bson.M{}
		for k, v := range toM(filter) {
			if _, isOp := v.(bson.M); !isOp {
				doc[k] = v
			}
		}
		applyUpdate(doc, toM(update), true)
		if _, ok := doc["_id"]; !ok {
			doc["_id"] = primitive.NewObjectID()
		}
		if err := c.checkUnique(doc, -1); err != nil {
			return nil, err
		}
		c.docs = append(c.docs, doc)
		return &mongodriver.UpdateResult{UpsertedCount: 1, UpsertedID: doc["_id"]}, nil
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) UpdateMany(_ context.Context, filter any, update any,
	_ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, toM(update), false)
			n++
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: n, ModifiedCount: n}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any,
	_ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return &mongodriver.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any,
	_ ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCollection) Indexes() clientsmongo.IndexView { return fakeIndexView{} }

func applyUpdate(doc bson.M, update bson.M, upsert bool) {
	for op, arg := range update {
		fields := toM(arg)
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$setOnInsert":
			if upsert {
				for k, v := range fields {
					doc[k] = v
				}
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$inc":
			for k, v := range fields {
				cur, _ := normalize(doc[k]).(int64)
				add, _ := normalize(v).(int64)
				doc[k] = cur + add
			}
		case "$max":
			for k, v := range fields {
				if _, ok := doc[k]; !ok || less(doc[k], v) {
					doc[k] = v
				}
			}
		default:
			panic("fakeCollection: unsupported update operator " + op)
		}
	}
}

func sortDocs(docs []bson.M, key any) {
	spec, ok := key.(bson.D)
	if !ok {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range spec {
			a, b := docs[i][field.Key], docs[j][field.Key]
			if equal(a, b) {
				continue
			}
			asc := less(a, b)
			if dir, ok := field.Value.(int); ok && dir < 0 {
				return !asc
			}
			return asc
		}
		return false
	})
}

type fakeSingleResult struct {
	doc bson.M
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (r fakeSingleResult) Err() error { return r.err }

type fakeCursor struct {
	docs []bson.M
	idx  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.docs[c.idx])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}
