// Package mongo hosts the thin MongoDB driver wrapper shared by the gateway
// stores. Stores depend on the Collection interface rather than the driver's
// concrete types so tests can substitute in-memory fakes.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultConnectTimeout = 10 * time.Second

type (
	// Collection is the subset of the driver collection API the stores use.
	Collection interface {
		InsertOne(ctx context.Context, doc any,
			opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		FindOne(ctx context.Context, filter any,
			opts ...*options.FindOneOptions) SingleResult
		Find(ctx context.Context, filter any,
			opts ...*options.FindOptions) (Cursor, error)
		FindOneAndUpdate(ctx context.Context, filter any, update any,
			opts ...*options.FindOneAndUpdateOptions) SingleResult
		UpdateOne(ctx context.Context, filter any, update any,
			opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		UpdateMany(ctx context.Context, filter any, update any,
			opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		DeleteOne(ctx context.Context, filter any,
			opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		CountDocuments(ctx context.Context, filter any,
			opts ...*options.CountOptions) (int64, error)
		Indexes() IndexView
	}

	// SingleResult mirrors mongo.SingleResult.
	SingleResult interface {
		Decode(val any) error
		Err() error
	}

	// Cursor mirrors mongo.Cursor.
	Cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	// IndexView mirrors mongo.IndexView.
	IndexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel,
			opts ...*options.CreateIndexesOptions) (string, error)
	}
)

// Connect dials the deployment and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	if uri == "" {
		return nil, errors.New("mongo URI is required")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return client, nil
}

// Wrap adapts a driver collection to the Collection interface.
func Wrap(coll *mongodriver.Collection) Collection {
	return mongoCollection{coll: coll}
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongodriver.IsDuplicateKeyError(err)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any,
	opts ...*options.FindOneOptions) SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) SingleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any,
	opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() IndexView {
	return c.coll.Indexes()
}
