package index

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/memquest/memquest/pkg/observability/logging"
)

// Field length caps for the collection schema.
const (
	idMaxLength       = 64
	identityMaxLength = 256
	tsMaxLength       = 64
	textMaxLength     = 65535
	metadataMaxLength = 65535
	tagMaxLength      = 256
	tagsMaxCapacity   = 64
)

// HNSW build parameters for the dense index.
const (
	hnswM              = 16
	hnswEfConstruction = 200
)

// sparseIndexDropRatio drops near-zero weights at build time.
const sparseIndexDropRatio = 0.2

// collectionSchema describes the memory collection: VarChar identity
// and timestamp fields, searchable text, a tags array, one dense and
// one sparse vector per document, and an opaque metadata JSON column.
func collectionSchema(collection string, dim int) *entity.Schema {
	return entity.NewSchema().
		WithName(collection).
		WithDescription("memquest memory documents").
		WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(idMaxLength).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName("agent_id").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(identityMaxLength)).
		WithField(entity.NewField().WithName("tenant_id").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(identityMaxLength)).
		WithField(entity.NewField().WithName("user_id").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(identityMaxLength)).
		WithField(entity.NewField().WithName("ts").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(tsMaxLength)).
		WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(textMaxLength)).
		WithField(entity.NewField().WithName("tags").WithDataType(entity.FieldTypeArray).
			WithElementType(entity.FieldTypeVarChar).WithMaxLength(tagMaxLength).
			WithMaxCapacity(tagsMaxCapacity)).
		WithField(entity.NewField().WithName(denseVectorField).WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dim))).
		WithField(entity.NewField().WithName(sparseVectorField).WithDataType(entity.FieldTypeSparseVector)).
		WithField(entity.NewField().WithName("metadata_json").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(metadataMaxLength)).
		WithField(entity.NewField().WithName("expires_at").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(tsMaxLength))
}

// EnsureCollection provisions the memory collection, its dense and
// sparse indexes, and loads it for search. Idempotent: an existing
// collection is left untouched.
func EnsureCollection(ctx context.Context, c client.Client, collection string, dim int) error {
	exists, err := c.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		logging.Infof("EnsureCollection: collection '%s' already exists", collection)
		return nil
	}

	if err := c.CreateCollection(ctx, collectionSchema(collection, dim), 1); err != nil {
		return fmt.Errorf("failed to create collection '%s': %w", collection, err)
	}
	logging.Infof("EnsureCollection: created collection '%s' (dim=%d)", collection, dim)

	denseIndex, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfConstruction)
	if err != nil {
		return fmt.Errorf("failed to build HNSW index definition: %w", err)
	}
	if err := c.CreateIndex(ctx, collection, denseVectorField, denseIndex, false); err != nil {
		return fmt.Errorf("failed to create dense index: %w", err)
	}

	sparseIndex, err := entity.NewIndexSparseInverted(entity.IP, sparseIndexDropRatio)
	if err != nil {
		return fmt.Errorf("failed to build sparse index definition: %w", err)
	}
	if err := c.CreateIndex(ctx, collection, sparseVectorField, sparseIndex, false); err != nil {
		return fmt.Errorf("failed to create sparse index: %w", err)
	}

	if err := c.LoadCollection(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to load collection '%s': %w", collection, err)
	}

	logging.Infof("EnsureCollection: collection '%s' indexed and loaded", collection)
	return nil
}
