// Package mongo implements record.Store on MongoDB. Records are documents
// in a single collection; FindByTags uses the $all operator against an
// indexed tags array.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record"
)

// Compile-time interface check.
var _ record.Store = (*Store)(nil)

const colRecords = "crew_records"

// recordModel is the BSON shape of a persisted record.
type recordModel struct {
	ID        string    `bson:"_id"`
	Tags      []string  `bson:"tags"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// Store is a MongoDB implementation of record.Store. The caller owns the
// client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new MongoDB store over the given database handle.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate ensures the tag and write-time indexes exist.
func (s *Store) Migrate(ctx context.Context) error {
	col := s.db.Collection(colRecords)
	_, err := col.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "tags", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("crew/mongo: create indexes: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op — the caller owns the client lifecycle.
func (s *Store) Close() error { return nil }

// Put inserts a new record document.
func (s *Store) Put(ctx context.Context, tags []string, payload []byte) (id.RecordID, error) {
	recID := id.NewRecordID()
	m := recordModel{
		ID:        recID.String(),
		Tags:      tags,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}

	if _, err := s.db.Collection(colRecords).InsertOne(ctx, m); err != nil {
		return id.Nil, fmt.Errorf("crew/mongo: put record: %w", err)
	}
	return recID, nil
}

// FindByTags returns records whose tags array contains every given tag,
// newest first.
func (s *Store) FindByTags(ctx context.Context, tags []string, limit int) ([]*record.Record, error) {
	filter := bson.M{}
	if len(tags) > 0 {
		filter["tags"] = bson.M{"$all": tags}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(colRecords).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("crew/mongo: find records: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var records []*record.Record
	for cur.Next(ctx) {
		var m recordModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("crew/mongo: decode record: %w", err)
		}
		rec, err := fromModel(&m)
		if err != nil {
			s.logger.Warn("skipping malformed record",
				slog.String("record_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("crew/mongo: iterate records: %w", err)
	}
	return records, nil
}

func fromModel(m *recordModel) (*record.Record, error) {
	recID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	return &record.Record{
		ID:        recID,
		Tags:      m.Tags,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}, nil
}
