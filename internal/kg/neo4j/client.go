package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/circuitbreaker"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/retry"
)

// Client keeps the item/indicator graph. Items and indicators are nodes,
// (:Item)-[:HAS_INDICATOR]->(:Indicator) and (:Item)-[:FROM]->(:Source) the
// edges, so two items sharing an IOC are two hops apart.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Neighbour is an item reachable through at least one shared indicator.
type Neighbour struct {
	ItemID string
	Source string
	Title  string
	Shared []string
	Weight int
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT item_id IF NOT EXISTS FOR (i:Item) REQUIRE i.id IS UNIQUE`,
		`CREATE CONSTRAINT indicator_key IF NOT EXISTS FOR (n:Indicator) REQUIRE n.key IS UNIQUE`,
		`CREATE CONSTRAINT source_name IF NOT EXISTS FOR (s:Source) REQUIRE s.name IS UNIQUE`,
	}
	return c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		for _, stmt := range stmts {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

const upsertItemQuery = `
	MERGE (s:Source {name: $source})
	MERGE (i:Item {id: $id})
	SET i.source = $source,
	    i.external_id = $external_id,
	    i.title = $title,
	    i.link = $link,
	    i.threat_level = $threat_level,
	    i.published_at = $published_at,
	    i.updated_at = timestamp()
	MERGE (i)-[:FROM]->(s)
	WITH i
	OPTIONAL MATCH (i)-[old:HAS_INDICATOR]->(:Indicator)
	DELETE old
	WITH DISTINCT i
	UNWIND $indicators AS ind
	MERGE (n:Indicator {key: ind.key})
	SET n.type = ind.type,
	    n.value = ind.value
	MERGE (i)-[:HAS_INDICATOR]->(n)
`

// UpsertItem writes the item node and replaces its indicator edges.
func (c *Client) UpsertItem(ctx context.Context, item *models.Item) error {
	params := itemParams(item)
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, upsertItemQuery, params)
		if err != nil {
			return err
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert item in graph: %w", err)
	}

	logger.Debug("Item written to graph",
		zap.String("item_id", item.ID),
		zap.Int("indicators", len(item.Indicators)),
	)
	return nil
}

const neighboursQuery = `
	MATCH (i:Item {id: $id})-[:HAS_INDICATOR]->(n:Indicator)<-[:HAS_INDICATOR]-(o:Item)
	WHERE o.id <> $id
	RETURN o.id AS id, o.source AS source, o.title AS title,
	       collect(DISTINCT n.value) AS shared, count(DISTINCT n) AS weight
	ORDER BY weight DESC, id
	LIMIT $limit
`

// Neighbours returns items sharing at least one indicator with itemID,
// most shared first.
func (c *Client) Neighbours(ctx context.Context, itemID string, limit int) ([]Neighbour, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Neighbour

	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		out = out[:0]
		result, err := session.Run(ctx, neighboursQuery, map[string]any{
			"id":    itemID,
			"limit": int64(limit),
		})
		if err != nil {
			return fmt.Errorf("failed to query neighbours: %w", err)
		}
		for result.Next(ctx) {
			out = append(out, neighbourFromRecord(result.Record().AsMap()))
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Graph neighbours", zap.String("item_id", itemID), zap.Int("found", len(out)))
	return out, nil
}

// Stats counts nodes per label.
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{}
	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (n) WHERE n:Item OR n:Indicator OR n:Source
			RETURN labels(n)[0] AS label, count(n) AS total`, nil)
		if err != nil {
			return fmt.Errorf("failed to count nodes: %w", err)
		}
		for result.Next(ctx) {
			rec := result.Record().AsMap()
			label, _ := rec["label"].(string)
			total, _ := rec["total"].(int64)
			stats[label] = total
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// IndicatorKey identifies an indicator node. Values are case-folded so the
// same hash reported in upper and lower case by two feeds meets in one node.
func IndicatorKey(ind models.Indicator) string {
	return string(ind.Type) + "|" + strings.ToLower(strings.TrimSpace(ind.Value))
}

func itemParams(item *models.Item) map[string]any {
	seen := make(map[string]bool, len(item.Indicators))
	inds := make([]any, 0, len(item.Indicators))
	for _, ind := range item.Indicators {
		key := IndicatorKey(ind)
		if ind.Value == "" || seen[key] {
			continue
		}
		seen[key] = true
		inds = append(inds, map[string]any{
			"key":   key,
			"type":  string(ind.Type),
			"value": ind.Value,
		})
	}

	var published int64
	if !item.PublishedAt.IsZero() {
		published = item.PublishedAt.Unix()
	}

	return map[string]any{
		"id":           item.ID,
		"source":       item.Source,
		"external_id":  item.ExternalID,
		"title":        item.Title,
		"link":         item.Link,
		"threat_level": string(item.ThreatLevel),
		"published_at": published,
		"indicators":   inds,
	}
}

func neighbourFromRecord(rec map[string]any) Neighbour {
	n := Neighbour{}
	n.ItemID, _ = rec["id"].(string)
	n.Source, _ = rec["source"].(string)
	n.Title, _ = rec["title"].(string)
	if w, ok := rec["weight"].(int64); ok {
		n.Weight = int(w)
	}
	if vals, ok := rec["shared"].([]any); ok {
		for _, v := range vals {
			if s, ok := v.(string); ok {
				n.Shared = append(n.Shared, s)
			}
		}
	}
	return n
}
