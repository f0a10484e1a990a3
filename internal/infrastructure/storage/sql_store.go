package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// SQL drivers accepted by OpenSQL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const (
	stateTable   = "feedposter_state"
	corruptTable = "feedposter_state_corrupt"
	documentID   = 1
)

// SQLStore keeps the state document as a single JSON row, so a save is one
// atomic upsert.
type SQLStore struct {
	db      *sql.DB
	driver  string
	builder sq.StatementBuilderType
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ ports.StateStore     = (*SQLStore)(nil)
	_ ports.StateInspector = (*SQLStore)(nil)
)

// OpenSQL connects to the database and creates the tables when missing.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store := NewSQLStore(db, driver, logger)
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wires an existing connection. The tables must already exist.
func NewSQLStore(db *sql.DB, driver string, logger *slog.Logger) *SQLStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		placeholder = sq.Dollar
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLStore{
		db:      db,
		driver:  driver,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:     time.Now,
		logger:  logger,
	}
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			document TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pq.QuoteIdentifier(stateTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			moved_at TIMESTAMP NOT NULL,
			document TEXT NOT NULL
		)`, pq.QuoteIdentifier(corruptTable)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create state tables: %w", err)
		}
	}
	return nil
}

// Load reads the document row. No row is a never-run state; an undecodable
// row is copied to the corrupt table and the run starts from empty state.
func (s *SQLStore) Load(ctx context.Context) (*domain.GlobalState, error) {
	doc, found, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return domain.NewGlobalState(), nil
	}

	state, upgraded, err := decodeState([]byte(doc), s.now().UTC())
	if err != nil {
		corrupt := &domain.StateCorruptionError{Location: s.driver + ":" + stateTable, Err: err}
		if moveErr := s.moveAside(ctx, doc); moveErr != nil {
			return nil, fmt.Errorf("%w (move aside: %v)", corrupt, moveErr)
		}
		s.logger.Warn("state document is corrupt, starting from empty state", "error", corrupt, "moved_to", corruptTable)
		fresh := domain.NewGlobalState()
		fresh.MarkDirty()
		return fresh, nil
	}
	if upgraded {
		state.MarkDirty()
	}
	return state, nil
}

// Inspect decodes the document row without writing anything.
func (s *SQLStore) Inspect(ctx context.Context) (*domain.GlobalState, error) {
	doc, found, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return domain.NewGlobalState(), nil
	}
	state, _, err := decodeState([]byte(doc), s.now().UTC())
	if err != nil {
		return nil, &domain.StateCorruptionError{Location: s.driver + ":" + stateTable, Err: err}
	}
	return state, nil
}

func (s *SQLStore) read(ctx context.Context) (string, bool, error) {
	query, args, err := s.builder.
		Select("document").
		From(pq.QuoteIdentifier(stateTable)).
		Where(sq.Eq{"id": documentID}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build load query: %w", err)
	}

	var doc string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("query state document: %w", err)
	}
	return doc, true, nil
}

func (s *SQLStore) moveAside(ctx context.Context, doc string) error {
	query, args, err := s.builder.
		Insert(pq.QuoteIdentifier(corruptTable)).
		Columns("moved_at", "document").
		Values(s.now().UTC(), doc).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Save upserts the document row.
func (s *SQLStore) Save(ctx context.Context, state *domain.GlobalState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	query, args, err := s.builder.
		Insert(pq.QuoteIdentifier(stateTable)).
		Columns("id", "document", "updated_at").
		Values(documentID, string(data), s.now().UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build save query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
