package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps WAL mode free of SQLITE_BUSY under concurrent sources.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		link TEXT,
		category TEXT,
		threat_level TEXT NOT NULL,
		threat_rank INTEGER NOT NULL,
		tags TEXT,
		keywords TEXT,
		raw TEXT,
		content_hash TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		collected_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(source, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_source ON items(source);
	CREATE INDEX IF NOT EXISTS idx_items_published ON items(published_at);
	CREATE INDEX IF NOT EXISTS idx_items_hash ON items(content_hash);

	CREATE TABLE IF NOT EXISTS indicators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		value_norm TEXT NOT NULL,
		comment TEXT,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_indicators_item ON indicators(item_id);
	CREATE INDEX IF NOT EXISTS idx_indicators_value ON indicators(value_norm);

	CREATE TABLE IF NOT EXISTS assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		threat_level TEXT NOT NULL,
		threat_rank INTEGER NOT NULL,
		intelligence_value TEXT NOT NULL,
		relevance REAL,
		rationale TEXT,
		raw_response TEXT,
		method TEXT NOT NULL,
		degraded INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		content_hash TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_item ON assessments(item_id);

	CREATE TABLE IF NOT EXISTS feed_status (
		source TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_run INTEGER NOT NULL,
		last_success INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		items_fetched INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		degraded INTEGER NOT NULL DEFAULT 0,
		path TEXT,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_started ON reports(started_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertResult tells the caller whether the row is new or its content moved.
type UpsertResult struct {
	Inserted bool
	Changed  bool
}

// UpsertItem writes an item keyed by (source, external_id) and replaces its
// indicator rows in the same transaction.
func (c *Client) UpsertItem(ctx context.Context, item *models.Item) (UpsertResult, error) {
	var res UpsertResult
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if res, err = upsertItem(ctx, tx, item); err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit item: %w", err)
	}

	logger.Debug("Item upserted",
		zap.String("item_id", item.ID),
		zap.String("source", item.Source),
		zap.Bool("inserted", res.Inserted),
		zap.Int("indicators", len(item.Indicators)),
	)
	return res, nil
}

// UpsertAssessedItem writes an item, its indicators and its assessment in one
// transaction. Dedup keys on the item's content hash, so an item row must
// never be committed without the assessment that goes with it.
func (c *Client) UpsertAssessedItem(ctx context.Context, item *models.Item, a *models.Assessment) (UpsertResult, error) {
	var res UpsertResult
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if res, err = upsertItem(ctx, tx, item); err != nil {
		return res, err
	}

	a.ItemID = item.ID
	if a.ContentHash == "" {
		a.ContentHash = item.ContentHash
	}
	id, err := insertAssessment(ctx, tx, a)
	if err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit item: %w", err)
	}
	a.ID = id

	logger.Debug("Assessed item stored",
		zap.String("item_id", item.ID),
		zap.String("source", item.Source),
		zap.Bool("inserted", res.Inserted),
		zap.Int64("assessment_id", id),
	)
	return res, nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, item *models.Item) (UpsertResult, error) {
	var res UpsertResult
	if item.ID == "" || item.Source == "" || item.ExternalID == "" {
		return res, fmt.Errorf("item requires id, source and external id")
	}

	tags, err := marshalJSON(item.Tags)
	if err != nil {
		return res, fmt.Errorf("failed to marshal tags: %w", err)
	}
	keywords, err := marshalJSON(item.Keywords)
	if err != nil {
		return res, fmt.Errorf("failed to marshal keywords: %w", err)
	}
	var raw sql.NullString
	if item.Raw != nil {
		raw = sql.NullString{String: string(item.Raw), Valid: true}
	}

	var existingHash string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM items WHERE source = ? AND external_id = ?`,
		item.Source, item.ExternalID).Scan(&existingHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.Inserted = true
		res.Changed = true
	case err != nil:
		return res, fmt.Errorf("failed to look up item: %w", err)
	default:
		res.Changed = existingHash != item.ContentHash
	}

	query := `
		INSERT INTO items (id, source, external_id, title, description, link, category, threat_level, threat_rank,
			tags, keywords, raw, content_hash, published_at, collected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			link = excluded.link,
			category = excluded.category,
			threat_level = excluded.threat_level,
			threat_rank = excluded.threat_rank,
			tags = excluded.tags,
			keywords = excluded.keywords,
			raw = excluded.raw,
			content_hash = excluded.content_hash,
			published_at = excluded.published_at,
			collected_at = excluded.collected_at,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		item.ID,
		item.Source,
		item.ExternalID,
		item.Title,
		item.Description,
		item.Link,
		item.Category,
		string(item.ThreatLevel),
		item.ThreatLevel.Rank(),
		tags,
		keywords,
		raw,
		item.ContentHash,
		toUnix(item.PublishedAt),
		toUnix(item.CollectedAt),
		time.Now().Unix(),
	)
	if err != nil {
		return res, fmt.Errorf("failed to upsert item: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM indicators WHERE item_id = ?`, item.ID); err != nil {
		return res, fmt.Errorf("failed to clear indicators: %w", err)
	}

	if len(item.Indicators) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO indicators (item_id, position, type, value, value_norm, comment) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return res, fmt.Errorf("failed to prepare indicator insert: %w", err)
		}
		defer stmt.Close()

		for i, ind := range item.Indicators {
			_, err = stmt.ExecContext(ctx, item.ID, i, string(ind.Type), ind.Value, normalizeValue(ind.Value), ind.Comment)
			if err != nil {
				return res, fmt.Errorf("failed to insert indicator: %w", err)
			}
		}
	}
	return res, nil
}

const itemColumns = `i.id, i.source, i.external_id, i.title, i.description, i.link, i.category, i.threat_level,
	i.tags, i.keywords, i.raw, i.content_hash, i.published_at, i.collected_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner, extra ...any) (*models.Item, error) {
	var item models.Item
	var description, link, category, tags, keywords, raw sql.NullString
	var level string
	var publishedAt, collectedAt int64

	dest := []any{
		&item.ID, &item.Source, &item.ExternalID, &item.Title, &description, &link, &category, &level,
		&tags, &keywords, &raw, &item.ContentHash, &publishedAt, &collectedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	item.Description = description.String
	item.Link = link.String
	item.Category = category.String
	item.ThreatLevel = models.ThreatLevel(level)
	item.PublishedAt = fromUnix(publishedAt)
	item.CollectedAt = fromUnix(collectedAt)
	if raw.Valid {
		item.Raw = []byte(raw.String)
	}
	if err := unmarshalJSON(tags, &item.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if err := unmarshalJSON(keywords, &item.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords: %w", err)
	}
	return &item, nil
}

func (c *Client) GetItem(ctx context.Context, source, externalID string) (*models.Item, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items i WHERE i.source = ? AND i.external_id = ?`, source, externalID)
	return c.finishItem(ctx, row)
}

func (c *Client) GetItemByID(ctx context.Context, id string) (*models.Item, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items i WHERE i.id = ?`, id)
	return c.finishItem(ctx, row)
}

func (c *Client) finishItem(ctx context.Context, row *sql.Row) (*models.Item, error) {
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if item.Indicators, err = c.indicators(ctx, item.ID); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) indicators(ctx context.Context, itemID string) ([]models.Indicator, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT type, value, comment FROM indicators WHERE item_id = ? ORDER BY position`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get indicators: %w", err)
	}
	defer rows.Close()

	var out []models.Indicator
	for rows.Next() {
		var ind models.Indicator
		var typ string
		var comment sql.NullString
		if err := rows.Scan(&typ, &ind.Value, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		ind.Type = models.IndicatorType(typ)
		ind.Comment = comment.String
		out = append(out, ind)
	}
	return out, rows.Err()
}

// ListItems returns items with their latest assessment, newest first. The
// threat filter uses the assessed level when one exists.
func (c *Client) ListItems(ctx context.Context, f models.ItemFilter) ([]models.AssessedItem, error) {
	var where []string
	var args []any

	if f.Source != "" {
		where = append(where, "i.source = ?")
		args = append(args, f.Source)
	}
	if f.MinThreatLevel != "" {
		where = append(where, "COALESCE(a.threat_rank, i.threat_rank) >= ?")
		args = append(args, f.MinThreatLevel.Rank())
	}
	if !f.Since.IsZero() {
		where = append(where, "i.collected_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if f.Text != "" {
		where = append(where, "(i.title LIKE ? ESCAPE '\\' OR i.description LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(f.Text) + "%"
		args = append(args, pattern, pattern)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + itemColumns + `,
		a.id, a.threat_level, a.intelligence_value, a.relevance, a.rationale, a.method, a.degraded, a.model, a.created_at
		FROM items i
		LEFT JOIN assessments a ON a.id = (SELECT MAX(id) FROM assessments WHERE item_id = i.id)`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.published_at DESC, i.collected_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	var out []models.AssessedItem
	for rows.Next() {
		var aID sql.NullInt64
		var aLevel, aValue, aRationale, aMethod, aModel sql.NullString
		var aRelevance sql.NullFloat64
		var aDegraded, aCreated sql.NullInt64

		item, err := scanItem(rows, &aID, &aLevel, &aValue, &aRelevance, &aRationale, &aMethod, &aDegraded, &aModel, &aCreated)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		entry := models.AssessedItem{Item: *item}
		if aID.Valid {
			entry.Assessment = models.Assessment{
				ID:                aID.Int64,
				ItemID:            item.ID,
				ThreatLevel:       models.ThreatLevel(aLevel.String),
				IntelligenceValue: models.ThreatLevel(aValue.String),
				Relevance:         aRelevance.Float64,
				Rationale:         aRationale.String,
				Method:            aMethod.String,
				Degraded:          aDegraded.Int64 == 1,
				Model:             aModel.String,
				CreatedAt:         fromUnix(aCreated.Int64),
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	rows.Close()

	for i := range out {
		if out[i].Item.Indicators, err = c.indicators(ctx, out[i].Item.ID); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *Client) CountItems(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM items GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

func (c *Client) HasContentHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE content_hash = ? LIMIT 1`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check content hash: %w", err)
	}
	return true, nil
}

// ContentHashes streams every stored content hash to fn.
func (c *Client) ContentHashes(ctx context.Context, fn func(string)) error {
	rows, err := c.db.QueryContext(ctx, `SELECT content_hash FROM items`)
	if err != nil {
		return fmt.Errorf("failed to read content hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		fn(h)
	}
	return rows.Err()
}

func (c *Client) InsertAssessment(ctx context.Context, a *models.Assessment) (int64, error) {
	return insertAssessment(ctx, c.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAssessment(ctx context.Context, ex execer, a *models.Assessment) (int64, error) {
	query := `
		INSERT INTO assessments (item_id, threat_level, threat_rank, intelligence_value, relevance, rationale,
			raw_response, method, degraded, model, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := ex.ExecContext(ctx, query,
		a.ItemID,
		string(a.ThreatLevel),
		a.ThreatLevel.Rank(),
		string(a.IntelligenceValue),
		a.Relevance,
		a.Rationale,
		a.RawResponse,
		a.Method,
		boolToInt(a.Degraded),
		a.Model,
		a.ContentHash,
		toUnix(a.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert assessment: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assessment id: %w", err)
	}
	return id, nil
}

func (c *Client) LatestAssessment(ctx context.Context, itemID string) (*models.Assessment, error) {
	query := `
		SELECT id, item_id, threat_level, intelligence_value, relevance, rationale, raw_response,
			method, degraded, model, content_hash, created_at
		FROM assessments WHERE item_id = ? ORDER BY id DESC LIMIT 1
	`

	var a models.Assessment
	var level, value string
	var rationale, rawResponse, model, hash sql.NullString
	var degraded int
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, itemID).Scan(
		&a.ID, &a.ItemID, &level, &value, &a.Relevance, &rationale, &rawResponse,
		&a.Method, &degraded, &model, &hash, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	a.ThreatLevel = models.ThreatLevel(level)
	a.IntelligenceValue = models.ThreatLevel(value)
	a.Rationale = rationale.String
	a.RawResponse = rawResponse.String
	a.Model = model.String
	a.ContentHash = hash.String
	a.Degraded = degraded == 1
	a.CreatedAt = fromUnix(createdAt)
	return &a, nil
}

// RecordFeedRun updates the health row for a source. Failures bump the error
// count, successes reset it, skips leave it alone. last_success, which is the
// next run's cursor, only moves when complete is set: a run that stopped
// before every fetched item was stored, deduplicated or filtered keeps the
// old cursor so the remainder is fetched again.
func (c *Client) RecordFeedRun(ctx context.Context, source, status string, fetched int, complete bool, runErr error, at time.Time) error {
	lastError := ""
	if runErr != nil {
		lastError = runErr.Error()
	}
	var lastSuccess int64
	if complete && (status == models.FeedOK || status == models.FeedDegraded) {
		lastSuccess = at.Unix()
	}
	errorCount := 0
	if status == models.FeedFailed {
		errorCount = 1
	}

	query := `
		INSERT INTO feed_status (source, status, last_run, last_success, error_count, last_error, items_fetched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			status = excluded.status,
			last_run = excluded.last_run,
			last_success = CASE WHEN excluded.last_success > 0 THEN excluded.last_success ELSE feed_status.last_success END,
			error_count = CASE excluded.status
				WHEN 'failed' THEN feed_status.error_count + 1
				WHEN 'skipped' THEN feed_status.error_count
				ELSE 0 END,
			last_error = excluded.last_error,
			items_fetched = excluded.items_fetched
	`

	_, err := c.db.ExecContext(ctx, query, source, status, at.Unix(), lastSuccess, errorCount, lastError, fetched)
	if err != nil {
		return fmt.Errorf("failed to record feed status: %w", err)
	}
	return nil
}

func (c *Client) GetFeedStatus(ctx context.Context, source string) (*models.FeedStatus, error) {
	row := c.db.QueryRowContext(ctx, `SELECT source, status, last_run, last_success, error_count, last_error, items_fetched
		FROM feed_status WHERE source = ?`, source)
	fs, err := scanFeedStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed status: %w", err)
	}
	return fs, nil
}

func (c *Client) ListFeedStatus(ctx context.Context) ([]models.FeedStatus, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT source, status, last_run, last_success, error_count, last_error, items_fetched
		FROM feed_status ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed status: %w", err)
	}
	defer rows.Close()

	var out []models.FeedStatus
	for rows.Next() {
		fs, err := scanFeedStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed status: %w", err)
		}
		out = append(out, *fs)
	}
	return out, rows.Err()
}

func scanFeedStatus(s scanner) (*models.FeedStatus, error) {
	var fs models.FeedStatus
	var lastRun, lastSuccess int64
	var lastError sql.NullString
	if err := s.Scan(&fs.Source, &fs.Status, &lastRun, &lastSuccess, &fs.ErrorCount, &lastError, &fs.ItemsFetched); err != nil {
		return nil, err
	}
	fs.LastRun = fromUnix(lastRun)
	fs.LastSuccess = fromUnix(lastSuccess)
	fs.LastError = lastError.String
	return &fs, nil
}

func (c *Client) InsertReport(ctx context.Context, r *models.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reports (id, started_at, finished_at, degraded, path, body) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, toUnix(r.StartedAt), toUnix(r.FinishedAt), boolToInt(r.Degraded), r.Path, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	logger.Info("Report stored", zap.String("report_id", r.ID), zap.Int("items", len(r.Items)))
	return nil
}

func (c *Client) LatestReport(ctx context.Context) (*models.Report, error) {
	return c.queryReport(ctx, `SELECT body FROM reports ORDER BY started_at DESC, rowid DESC LIMIT 1`)
}

func (c *Client) GetReport(ctx context.Context, id string) (*models.Report, error) {
	return c.queryReport(ctx, `SELECT body FROM reports WHERE id = ?`, id)
}

func (c *Client) queryReport(ctx context.Context, query string, args ...any) (*models.Report, error) {
	var body string
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var r models.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

// SharedIndicators finds other items that carry any of this item's IOC
// values, across sources, ranked by how many values they share.
func (c *Client) SharedIndicators(ctx context.Context, itemID string, limit int) ([]models.Correlation, error) {
	query := `
		SELECT DISTINCT i2.id, i2.source, i2.title, x2.value
		FROM indicators x1
		JOIN indicators x2 ON x2.value_norm = x1.value_norm AND x2.item_id <> x1.item_id
		JOIN items i2 ON i2.id = x2.item_id
		WHERE x1.item_id = ?
	`

	rows, err := c.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shared indicators: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Correlation)
	for rows.Next() {
		var id, source, title, value string
		if err := rows.Scan(&id, &source, &title, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		corr, ok := byID[id]
		if !ok {
			corr = &models.Correlation{ItemID: id, Source: source, Title: title, Reason: models.CorrelationSharedIndicator}
			byID[id] = corr
		}
		corr.Shared = append(corr.Shared, value)
		corr.Score = float64(len(corr.Shared))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shared indicators: %w", err)
	}

	out := make([]models.Correlation, 0, len(byID))
	for _, corr := range byID {
		sort.Strings(corr.Shared)
		out = append(out, *corr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
