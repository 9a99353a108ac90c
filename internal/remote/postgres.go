package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/readerkit/readsync/internal/schema"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyChannel    = "readsync_changes"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// changeNotice is the NOTIFY payload. Rows can exceed the 8000 byte payload
// limit, so only the key travels and the listener reads the row back.
type changeNotice struct {
	UserID    string    `json:"user_id"`
	Table     Table     `json:"table"`
	Operation Operation `json:"op"`
	Key       string    `json:"key"`
}

// PostgresBackend stores state in PostgreSQL and feeds subscribers from
// LISTEN/NOTIFY, so every server process sees writes made by the others.
type PostgresBackend struct {
	dsn    string
	window time.Duration
	openDB sqlOpenFunc
	logger *log.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	listener *pq.Listener
	hub      *hub
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPostgresBackend creates a backend for dsn. The connection and tables are
// set up lazily on first use.
func NewPostgresBackend(dsn string, window time.Duration, logger *log.Logger) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if window <= 0 {
		window = DefaultConflictWindow
	}
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresBackend{
		dsn:    dsn,
		window: window,
		openDB: sql.Open,
		logger: logger,
		hub:    newHub(logger),
		done:   make(chan struct{}),
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		ddl := `
		CREATE TABLE IF NOT EXISTS readsync_positions (
			user_id TEXT NOT NULL,
			book_id TEXT NOT NULL,
			locator TEXT NOT NULL,
			percentage DOUBLE PRECISION NOT NULL,
			page_number INTEGER,
			chapter_id TEXT NOT NULL DEFAULT '',
			timestamp BIGINT NOT NULL,
			device_id TEXT NOT NULL,
			PRIMARY KEY (user_id, book_id)
		);
		CREATE TABLE IF NOT EXISTS readsync_annotations (
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cloud_id TEXT NOT NULL,
			book_identifier TEXT NOT NULL,
			locator TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			style TEXT NOT NULL DEFAULT '',
			tint INTEGER NOT NULL DEFAULT 0,
			timestamp BIGINT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, kind, cloud_id)
		);
		CREATE TABLE IF NOT EXISTS readsync_preferences (
			user_id TEXT PRIMARY KEY,
			values_json TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			device_id TEXT NOT NULL DEFAULT ''
		)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("failed to create tables: %w", err)
			return
		}

		listener := pq.NewListener(b.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				b.logger.Printf("Postgres listener event %d: %v", ev, err)
			}
		})
		if err := listener.Listen(postgresNotifyChannel); err != nil {
			_ = listener.Close()
			_ = db.Close()
			b.initErr = fmt.Errorf("failed to listen on %s: %w", postgresNotifyChannel, err)
			return
		}
		b.db = db
		b.listener = listener

		b.wg.Add(1)
		go b.relayNotifications()
	})
	return b.initErr
}

// relayNotifications turns NOTIFY payloads into ChangeEvents on the hub.
func (b *PostgresBackend) relayNotifications() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; events in the gap are recovered by full sync
				continue
			}
			var notice changeNotice
			if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
				b.logger.Printf("Ignoring malformed notification: %v", err)
				continue
			}
			ev, err := b.loadEvent(notice)
			if err != nil {
				b.logger.Printf("Failed to load %s %s: %v", notice.Table, notice.Key, err)
				continue
			}
			b.hub.publish(notice.UserID, ev)
		}
	}
}

func (b *PostgresBackend) loadEvent(n changeNotice) (ChangeEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var record any
	switch n.Table {
	case TablePositions:
		p, err := b.FetchPosition(ctx, n.UserID, n.Key)
		if err != nil {
			return ChangeEvent{}, err
		}
		record = p
	case TableHighlights, TableBookmarks:
		kind, _ := n.Table.Kind()
		a, err := b.getAnnotation(ctx, b.db, n.UserID, kind, n.Key, false)
		if err != nil {
			return ChangeEvent{}, err
		}
		record = a
	case TablePreferences:
		p, err := b.FetchPreferences(ctx, n.UserID)
		if err != nil {
			return ChangeEvent{}, err
		}
		record = p
	default:
		return ChangeEvent{}, fmt.Errorf("%w: table %q", ErrInvalidInput, n.Table)
	}
	return NewChangeEvent(n.Table, n.Operation, record, nil)
}

func notify(ctx context.Context, tx *sql.Tx, n changeNotice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, string(payload))
	return err
}

func (b *PostgresBackend) UpsertPosition(ctx context.Context, userID string, p schema.Position) (UpsertResult, error) {
	if err := p.Validate(); err != nil {
		return UpsertResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := b.ensureReady(); err != nil {
		return UpsertResult{}, err
	}
	p.UserID = userID

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *schema.Position
	cur, err := scanPGPosition(tx.QueryRowContext(ctx, `
		SELECT book_id, locator, percentage, page_number, chapter_id, timestamp, device_id
		FROM readsync_positions WHERE user_id = $1 AND book_id = $2 FOR UPDATE`, userID, p.BookID))
	switch {
	case err == nil:
		cur.UserID = userID
		existing = &cur
	case !errors.Is(err, sql.ErrNoRows):
		return UpsertResult{}, fmt.Errorf("failed to read position: %w", err)
	}

	apply, res := decidePosition(existing, p, b.window)
	if !apply {
		return res, nil
	}

	var page sql.NullInt64
	if p.PageNumber != nil {
		page = sql.NullInt64{Int64: int64(*p.PageNumber), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO readsync_positions (user_id, book_id, locator, percentage, page_number, chapter_id, timestamp, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, book_id) DO UPDATE SET
			locator = EXCLUDED.locator,
			percentage = EXCLUDED.percentage,
			page_number = EXCLUDED.page_number,
			chapter_id = EXCLUDED.chapter_id,
			timestamp = EXCLUDED.timestamp,
			device_id = EXCLUDED.device_id
		WHERE EXCLUDED.timestamp > readsync_positions.timestamp`,
		userID, p.BookID, p.Locator, p.Percentage, page, p.ChapterID, p.Timestamp, p.DeviceID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert position: %w", err)
	}

	op := OpInsert
	if existing != nil {
		op = OpUpdate
	}
	if err := notify(ctx, tx, changeNotice{UserID: userID, Table: TablePositions, Operation: op, Key: p.BookID}); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

func (b *PostgresBackend) FetchPosition(ctx context.Context, userID, bookID string) (schema.Position, error) {
	if err := b.ensureReady(); err != nil {
		return schema.Position{}, err
	}
	p, err := scanPGPosition(b.db.QueryRowContext(ctx, `
		SELECT book_id, locator, percentage, page_number, chapter_id, timestamp, device_id
		FROM readsync_positions WHERE user_id = $1 AND book_id = $2`, userID, bookID))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Position{}, ErrNotFound
	}
	if err != nil {
		return schema.Position{}, fmt.Errorf("failed to fetch position: %w", err)
	}
	p.UserID = userID
	return p, nil
}

func (b *PostgresBackend) ListAnnotations(ctx context.Context, userID string, table Table, filter AnnotationFilter) ([]schema.Annotation, error) {
	kind, ok := table.Kind()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an annotation table", ErrInvalidInput, table)
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}

	query := `SELECT ` + pgAnnotationColumns + ` FROM readsync_annotations WHERE user_id = $1 AND kind = $2`
	args := []any{userID, string(kind)}
	if !filter.IncludeDeleted {
		query += ` AND deleted = FALSE`
	}
	if filter.BookIdentifier != "" {
		args = append(args, filter.BookIdentifier)
		query += fmt.Sprintf(` AND book_identifier = $%d`, len(args))
	}
	query += ` ORDER BY timestamp, cloud_id`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []schema.Annotation
	for rows.Next() {
		a, err := scanPGAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) UpsertAnnotation(ctx context.Context, userID string, a schema.Annotation) (schema.Annotation, error) {
	if err := a.Validate(); err != nil {
		return schema.Annotation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := b.ensureReady(); err != nil {
		return schema.Annotation{}, err
	}
	a.LocalID, a.BookID = 0, 0

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *schema.Annotation
	cur, err := b.getAnnotation(ctx, tx, userID, a.Kind, a.CloudID, true)
	switch {
	case err == nil:
		existing = &cur
	case !errors.Is(err, ErrNotFound):
		return schema.Annotation{}, err
	}
	if !decideAnnotation(existing, a) {
		return *existing, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO readsync_annotations (`+pgAnnotationInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, kind, cloud_id) DO UPDATE SET
			book_identifier = EXCLUDED.book_identifier,
			locator = EXCLUDED.locator,
			text = EXCLUDED.text,
			note = EXCLUDED.note,
			style = EXCLUDED.style,
			tint = EXCLUDED.tint,
			timestamp = EXCLUDED.timestamp,
			device_id = EXCLUDED.device_id,
			deleted = EXCLUDED.deleted
		WHERE EXCLUDED.timestamp > readsync_annotations.timestamp`,
		userID, string(a.Kind), a.CloudID, a.BookIdentifier, a.Locator, a.Text, a.Note,
		a.Style, a.Tint, a.Timestamp, a.DeviceID, a.Deleted)
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to upsert %s: %w", a.Kind, err)
	}

	op := OpInsert
	if existing != nil {
		op = OpUpdate
	}
	if err := notify(ctx, tx, changeNotice{UserID: userID, Table: TableFor(a.Kind), Operation: op, Key: a.CloudID}); err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to commit: %w", err)
	}
	return a, nil
}

func (b *PostgresBackend) DeleteAnnotation(ctx context.Context, userID string, table Table, t Tombstone) error {
	kind, ok := table.Kind()
	if !ok {
		return fmt.Errorf("%w: %s is not an annotation table", ErrInvalidInput, table)
	}
	if err := b.ensureReady(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE readsync_annotations
		SET deleted = TRUE, timestamp = $4, device_id = CASE WHEN $5::text <> '' THEN $5::text ELSE device_id END
		WHERE user_id = $1 AND kind = $2 AND cloud_id = $3 AND deleted = FALSE AND timestamp <= $4`,
		userID, string(kind), t.CloudID, t.Timestamp, t.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := notify(ctx, tx, changeNotice{UserID: userID, Table: table, Operation: OpDelete, Key: t.CloudID}); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return tx.Commit()
}

func (b *PostgresBackend) FetchPreferences(ctx context.Context, userID string) (schema.Preferences, error) {
	if err := b.ensureReady(); err != nil {
		return schema.Preferences{}, err
	}
	var p schema.Preferences
	var values string
	err := b.db.QueryRowContext(ctx,
		`SELECT values_json, timestamp, device_id FROM readsync_preferences WHERE user_id = $1`, userID,
	).Scan(&values, &p.Timestamp, &p.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Preferences{}, ErrNotFound
	}
	if err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to fetch preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(values), &p.Values); err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return p, nil
}

func (b *PostgresBackend) UpsertPreferences(ctx context.Context, userID string, p schema.Preferences) (schema.Preferences, error) {
	if err := p.Validate(); err != nil {
		return schema.Preferences{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := b.ensureReady(); err != nil {
		return schema.Preferences{}, err
	}
	p = p.Clone()
	values, err := json.Marshal(p.Values)
	if err != nil {
		return schema.Preferences{}, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO readsync_preferences (user_id, values_json, timestamp, device_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			values_json = EXCLUDED.values_json,
			timestamp = EXCLUDED.timestamp,
			device_id = EXCLUDED.device_id
		WHERE EXCLUDED.timestamp > readsync_preferences.timestamp`,
		userID, string(values), p.Timestamp, p.DeviceID)
	if err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to upsert preferences: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := notify(ctx, tx, changeNotice{UserID: userID, Table: TablePreferences, Operation: OpUpdate}); err != nil {
			return schema.Preferences{}, fmt.Errorf("failed to notify: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to commit: %w", err)
	}
	return b.FetchPreferences(ctx, userID)
}

func (b *PostgresBackend) Subscribe(ctx context.Context, userID string, table Table) (<-chan ChangeEvent, error) {
	if _, err := ParseTable(string(table)); err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.hub.subscribe(ctx, userID, table), nil
}

func (b *PostgresBackend) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	b.hub.close()
	var errs []error
	if b.listener != nil {
		errs = append(errs, b.listener.Close())
	}
	b.wg.Wait()
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pgAnnotationColumns = `kind, cloud_id, book_identifier, locator, text, note, style, tint, timestamp, device_id, deleted`

const pgAnnotationInsertColumns = `user_id, ` + pgAnnotationColumns

func (b *PostgresBackend) getAnnotation(ctx context.Context, q queryer, userID string, kind schema.AnnotationKind, cloudID string, forUpdate bool) (schema.Annotation, error) {
	query := `SELECT ` + pgAnnotationColumns + ` FROM readsync_annotations WHERE user_id = $1 AND kind = $2 AND cloud_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanPGAnnotation(q.QueryRowContext(ctx, query, userID, string(kind), cloudID))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Annotation{}, ErrNotFound
	}
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to read %s %s: %w", kind, cloudID, err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPGPosition(row scanner) (schema.Position, error) {
	var p schema.Position
	var page sql.NullInt64
	if err := row.Scan(&p.BookID, &p.Locator, &p.Percentage, &page, &p.ChapterID, &p.Timestamp, &p.DeviceID); err != nil {
		return schema.Position{}, err
	}
	if page.Valid {
		p.PageNumber = schema.IntPtr(int(page.Int64))
	}
	return p, nil
}

func scanPGAnnotation(row scanner) (schema.Annotation, error) {
	var a schema.Annotation
	var kind string
	if err := row.Scan(&kind, &a.CloudID, &a.BookIdentifier, &a.Locator, &a.Text, &a.Note,
		&a.Style, &a.Tint, &a.Timestamp, &a.DeviceID, &a.Deleted); err != nil {
		return schema.Annotation{}, err
	}
	a.Kind = schema.AnnotationKind(kind)
	return a, nil
}
