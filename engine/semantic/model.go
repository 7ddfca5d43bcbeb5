// Package semantic mirrors the embedded catalog into external vector stores
// (Qdrant, Postgres with pgvector) and searches them in place of the
// in-memory index.
package semantic

import (
	"context"

	"github.com/google/uuid"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/index"
)

// pointNamespace scopes the UUIDs derived from record IDs.
var pointNamespace = uuid.MustParse("6f1c7d3e-52a4-4c8b-9d0e-3b7a1f2c9e41")

// VectorRecord is one embedded catalog record as stored externally.
type VectorRecord struct {
	ID         string
	Text       string
	Keys       []string
	Attributes map[string]string
	Embedding  []float32
	// Ordinal is the record's position in the catalog. Stores break score
	// ties by it, as the in-memory index does.
	Ordinal int
}

// NewVectorRecord pairs a catalog record with its embedding.
func NewVectorRecord(rec catalog.Record, vec []float32) VectorRecord {
	return VectorRecord{
		ID:         rec.ID(),
		Text:       rec.Text(),
		Keys:       rec.Keys(),
		Attributes: rec.Attributes(),
		Embedding:  vec,
	}
}

// Record converts the stored form back into a catalog record.
func (v VectorRecord) Record() catalog.Record {
	return catalog.Restore(v.ID, v.Text, v.Keys, v.Attributes)
}

// PointID maps a record ID to the UUID used as the store's primary key.
func PointID(recordID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(recordID)).String()
}

// Store is an external vector store holding a mirror of the catalog.
// Implementations also satisfy retrieve.Searcher.
type Store interface {
	EnsureSchema(ctx context.Context, dim int) error
	Upsert(ctx context.Context, records []VectorRecord) error
	Drop(ctx context.Context) error
	Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error)
	Close() error
}
