package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores each key as a document {key, value} in a single collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoRecord struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

func NewMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}
	coll := client.Database(db).Collection("store")
	idx := mongo.IndexModel{
		Keys:    bson.M{"key": 1},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("store: ensure index: %w", err)
	}
	return &Mongo{client: client, coll: coll}, nil
}

func (m *Mongo) Get(ctx context.Context, key string) (string, error) {
	var rec mongoRecord
	err := m.coll.FindOne(ctx, bson.M{"key": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return rec.Value, nil
}

func (m *Mongo) Set(ctx context.Context, key, value string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": bson.M{"value": value}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (m *Mongo) Remove(ctx context.Context, key string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"key": key}); err != nil {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}
	return nil
}

func (m *Mongo) FindKeys(ctx context.Context, pattern, notPattern string) ([]string, error) {
	var notRe *regexp.Regexp
	if notPattern != "" {
		var err error
		if notRe, err = globRegexp(notPattern); err != nil {
			return nil, err
		}
	}
	filter := bson.M{"key": primitive.Regex{Pattern: globExpr(pattern)}}
	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", pattern, err)
	}
	defer cur.Close(ctx)
	var keys []string
	for cur.Next(ctx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		if notRe != nil && notRe.MatchString(rec.Key) {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
