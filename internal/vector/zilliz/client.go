package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/pkg/logger"
)

const (
	fieldID        = "item_id"
	fieldEmbedding = "embedding"
	fieldSource    = "source"
	fieldTitle     = "title"
	fieldLevel     = "threat_level"
	fieldPublished = "published_at"

	maxIDLen     = 64
	maxSourceLen = 64
	maxTitleLen  = 512
	maxLevelLen  = 16
)

// Client stores one embedding per item for semantic correlation.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

type ItemVector struct {
	ItemID      string
	Embedding   []float32
	Source      string
	Title       string
	ThreatLevel string
	PublishedAt time.Time
}

type SearchResult struct {
	ItemID      string
	Source      string
	Title       string
	ThreatLevel string
	Score       float32
}

// SearchFilter narrows a similarity search. Zero values match everything.
type SearchFilter struct {
	ExcludeID string
	Source    string
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Dim() int {
	return z.vectorDim
}

func varchar(name string, max int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(max)},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	id := varchar(fieldID, maxIDLen)
	id.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "intelligence item embeddings",
		Fields: []*entity.Field{
			id,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			varchar(fieldSource, maxSourceLen),
			varchar(fieldTitle, maxTitleLen),
			varchar(fieldLevel, maxLevelLen),
			{Name: fieldPublished, DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert writes vectors keyed by item ID, replacing earlier ones.
func (z *Client) Upsert(ctx context.Context, vectors []ItemVector) error {
	if len(vectors) == 0 {
		return nil
	}

	ids := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	sources := make([]string, len(vectors))
	titles := make([]string, len(vectors))
	levels := make([]string, len(vectors))
	published := make([]int64, len(vectors))

	for i, v := range vectors {
		if len(v.Embedding) != z.vectorDim {
			return fmt.Errorf("embedding for %s has dim %d, collection wants %d", v.ItemID, len(v.Embedding), z.vectorDim)
		}
		ids[i] = v.ItemID
		embeddings[i] = v.Embedding
		sources[i] = clip(v.Source, maxSourceLen)
		titles[i] = clip(v.Title, maxTitleLen)
		levels[i] = clip(v.ThreatLevel, maxLevelLen)
		if !v.PublishedAt.IsZero() {
			published[i] = v.PublishedAt.Unix()
		}
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldSource, sources),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnVarChar(fieldLevel, levels),
		entity.NewColumnInt64(fieldPublished, published),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	logger.Debug("Item vectors upserted", zap.Int("count", len(vectors)))
	return nil
}

func (z *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, filter SearchFilter) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	expr := filterExpr(filter)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		[]string{fieldID, fieldSource, fieldTitle, fieldLevel},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldID)
		sourceCol := sr.Fields.GetColumn(fieldSource)
		titleCol := sr.Fields.GetColumn(fieldTitle)
		levelCol := sr.Fields.GetColumn(fieldLevel)
		if idCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			r := SearchResult{Score: sr.Scores[i]}
			r.ItemID, _ = idCol.GetAsString(i)
			if sourceCol != nil {
				r.Source, _ = sourceCol.GetAsString(i)
			}
			if titleCol != nil {
				r.Title, _ = titleCol.GetAsString(i)
			}
			if levelCol != nil {
				r.ThreatLevel, _ = levelCol.GetAsString(i)
			}
			results = append(results, r)
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

// filterExpr renders a boolean expression for Search.
func filterExpr(f SearchFilter) string {
	var parts []string
	if f.ExcludeID != "" {
		parts = append(parts, fmt.Sprintf("%s != %s", fieldID, strconv.Quote(f.ExcludeID)))
	}
	if f.Source != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", fieldSource, strconv.Quote(f.Source)))
	}
	return strings.Join(parts, " && ")
}

// clip shortens s to at most n bytes without splitting a rune. Milvus
// varchar limits count bytes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
