package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/canonicalization"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/query"
)

// ErrStoreFailed wraps database failures of the error store.
var ErrStoreFailed = errors.New("error store operation failed")

var (
	// PostgresStore implements the write side used by the aggregator...
	_ aggregation.Store = (*PostgresStore)(nil)

	// ...and the read side used by the query engine.
	_ query.Store = (*PostgresStore)(nil)
)

const (
	groupColumns = `id, project_name, fingerprint, error_type, backtrace, active, occurrence_count, level,
		first_occurrence, last_occurrence, last_message, environments, servers`

	occurrenceColumns = `id, group_id, project_name, environment, server, occurred_at, message,
		log_message, context, affected_user`

	groupOrder      = `ORDER BY last_occurrence DESC, seq DESC`
	occurrenceOrder = `ORDER BY occurred_at DESC, seq DESC`
)

type (
	// PostgresStore persists projects, error groups and occurrences in PostgreSQL.
	//
	// Merges run as a single UPDATE ... RETURNING guarded by "active", so concurrent merges
	// into one group serialize on the row lock and never lose an increment, and a merge
	// racing a resolve fails with aggregation.ErrGroupInactive instead of reviving the group.
	PostgresStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// PostgresStoreOption configures optional PostgresStore behavior.
	PostgresStoreOption func(*PostgresStore)

	// rowScanner is satisfied by *sql.Row and *sql.Rows.
	rowScanner interface {
		Scan(dest ...any) error
	}

	// conditions accumulates WHERE clauses and their positional arguments.
	conditions struct {
		clauses []string
		args    []any
	}
)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) PostgresStoreOption {
	return func(s *PostgresStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPostgresStore creates a PostgreSQL-backed error store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPostgresStore(conn *Connection, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &PostgresStore{
		conn:   conn,
		logger: config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// GetOrCreateProject implements aggregation.Store.
func (s *PostgresStore) GetOrCreateProject(ctx context.Context, name string) (*aggregation.Project, error) {
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO projects (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name,
	); err != nil {
		return nil, s.fail("create project", err)
	}

	var project aggregation.Project

	err := s.conn.QueryRowContext(ctx,
		`SELECT name, created_at FROM projects WHERE name = $1`, name,
	).Scan(&project.Name, &project.CreatedAt)
	if err != nil {
		return nil, s.fail("load project", err)
	}

	return &project, nil
}

// FindActiveGroups implements aggregation.Store.
func (s *PostgresStore) FindActiveGroups(
	ctx context.Context,
	project, fingerprint string,
) ([]*aggregation.ErrorGroup, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM error_groups
		WHERE project_name = $1 AND fingerprint = $2 AND active
		ORDER BY seq`,
		project, fingerprint,
	)
	if err != nil {
		return nil, s.fail("find active groups", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var groups []*aggregation.ErrorGroup

	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, s.fail("scan group", err)
		}

		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate groups", err)
	}

	return groups, nil
}

// CreateGroup implements aggregation.Store. The group and its first occurrence commit together.
func (s *PostgresStore) CreateGroup(
	ctx context.Context,
	group *aggregation.ErrorGroup,
	occ *aggregation.Occurrence,
) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO error_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		group.ID,
		group.Project,
		group.Fingerprint,
		group.Type,
		group.Backtrace,
		group.Active,
		group.Count,
		int(group.Level),
		group.FirstOccurrence,
		group.LastOccurrence,
		group.LastMessage,
		pq.Array(group.Environments.Sorted()),
		pq.Array(group.Servers.Sorted()),
	)
	if err != nil {
		return s.fail("insert group", err)
	}

	if err := insertOccurrence(ctx, tx, group.ID, occ); err != nil {
		return s.fail("insert occurrence", err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail("commit group", err)
	}

	return nil
}

// MergeOccurrence implements aggregation.Store.
//
// Every SET expression reads the pre-update row, so the CASE arms compare against the old
// last_occurrence: latest-state fields move only for a strictly newer occurrence.
func (s *PostgresStore) MergeOccurrence(
	ctx context.Context,
	groupID string,
	occ *aggregation.Occurrence,
	backtrace string,
) (*aggregation.ErrorGroup, error) {
	if _, err := uuid.Parse(groupID); err != nil {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrGroupInactive, groupID)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`UPDATE error_groups SET
			occurrence_count = occurrence_count + 1,
			first_occurrence = LEAST(first_occurrence, $2),
			backtrace        = CASE WHEN $2 > last_occurrence THEN $3 ELSE backtrace END,
			last_message     = CASE WHEN $2 > last_occurrence THEN $4 ELSE last_message END,
			last_occurrence  = GREATEST(last_occurrence, $2),
			environments     = CASE WHEN $5 = ANY(environments) THEN environments
			                        ELSE array_append(environments, $5) END,
			servers          = CASE WHEN $6 = ANY(servers) THEN servers
			                        ELSE array_append(servers, $6) END
		WHERE id = $1 AND active
		RETURNING `+groupColumns,
		groupID,
		occ.Date,
		backtrace,
		canonicalization.TruncateMessage(occ.Message),
		occ.Environment,
		occ.Server,
	)

	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrGroupInactive, groupID)
	}

	if err != nil {
		return nil, s.fail("merge group", err)
	}

	if err := insertOccurrence(ctx, tx, groupID, occ); err != nil {
		return nil, s.fail("insert occurrence", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.fail("commit merge", err)
	}

	return group, nil
}

// GetGroup implements aggregation.Store and query.Store.
func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*aggregation.ErrorGroup, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrUnknownGroup, id)
	}

	group, err := scanGroup(s.conn.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM error_groups WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrUnknownGroup, id)
	}

	if err != nil {
		return nil, s.fail("get group", err)
	}

	return group, nil
}

// DeactivateGroup implements aggregation.Store.
func (s *PostgresStore) DeactivateGroup(ctx context.Context, id string) (*aggregation.ErrorGroup, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, fmt.Errorf("%w: %s", aggregation.ErrUnknownGroup, id)
	}

	group, err := scanGroup(s.conn.QueryRowContext(ctx,
		`UPDATE error_groups SET active = FALSE WHERE id = $1 AND active RETURNING `+groupColumns, id,
	))
	if err == nil {
		return group, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, s.fail("deactivate group", err)
	}

	// Already inactive, or missing.
	group, err = s.GetGroup(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return group, false, nil
}

// ClearAll implements aggregation.Store.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `TRUNCATE occurrences, error_groups`); err != nil {
		return s.fail("clear", err)
	}

	s.logger.Warn("error groups and occurrences truncated")

	return nil
}

// ListActiveGroups implements query.Store.
func (s *PostgresStore) ListActiveGroups(
	ctx context.Context,
	project string,
	limit, offset int,
) ([]*aggregation.ErrorGroup, error) {
	var where conditions

	where.add("active")
	where.addIf(project != "", "project_name = ?", project)

	limitArg := where.arg(limit)
	offsetArg := where.arg(offset)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM error_groups`+where.sql()+` `+groupOrder+
			` LIMIT `+limitArg+` OFFSET `+offsetArg,
		where.args...,
	)
	if err != nil {
		return nil, s.fail("list groups", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	groups := make([]*aggregation.ErrorGroup, 0, limit)

	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, s.fail("scan group", err)
		}

		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate groups", err)
	}

	return groups, nil
}

// ActiveGroups implements query.Store. The cursor stays open until ranging stops.
func (s *PostgresStore) ActiveGroups(
	ctx context.Context,
	project string,
	ids []string,
) iter.Seq2[*aggregation.ErrorGroup, error] {
	return func(yield func(*aggregation.ErrorGroup, error) bool) {
		var where conditions

		where.add("active")
		where.addIf(project != "", "project_name = ?", project)
		where.addIf(ids != nil, "id = ANY(?::uuid[])", pq.Array(validUUIDs(ids)))

		rows, err := s.conn.QueryContext(ctx,
			`SELECT `+groupColumns+` FROM error_groups`+where.sql()+` `+groupOrder,
			where.args...,
		)
		if err != nil {
			yield(nil, s.fail("stream groups", err))

			return
		}

		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			group, err := scanGroup(rows)
			if err != nil {
				yield(nil, s.fail("scan group", err))

				return
			}

			if !yield(group, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, s.fail("iterate groups", err))
		}
	}
}

// MatchingOccurrences implements query.Store.
func (s *PostgresStore) MatchingOccurrences(
	ctx context.Context,
	project string,
	filter query.OccurrenceFilter,
	limit int,
) iter.Seq2[*aggregation.Occurrence, error] {
	return func(yield func(*aggregation.Occurrence, error) bool) {
		var where conditions

		where.addIf(project != "", "project_name = ?", project)
		where.addFilter(filter)

		rows, err := s.conn.QueryContext(ctx,
			`SELECT `+occurrenceColumns+` FROM occurrences`+where.sql()+` LIMIT `+where.arg(limit),
			where.args...,
		)
		if err != nil {
			yield(nil, s.fail("stream occurrences", err))

			return
		}

		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			occ, err := scanOccurrence(rows)
			if err != nil {
				yield(nil, s.fail("scan occurrence", err))

				return
			}

			if !yield(occ, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, s.fail("iterate occurrences", err))
		}
	}
}

// ListOccurrences implements query.Store.
func (s *PostgresStore) ListOccurrences(
	ctx context.Context,
	groupID string,
	filter query.OccurrenceFilter,
	limit int,
) ([]*aggregation.Occurrence, error) {
	if _, err := uuid.Parse(groupID); err != nil {
		return []*aggregation.Occurrence{}, nil
	}

	var where conditions

	where.add("group_id = ?", groupID)
	where.addFilter(filter)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences`+where.sql()+` `+occurrenceOrder+` LIMIT `+where.arg(limit),
		where.args...,
	)
	if err != nil {
		return nil, s.fail("list occurrences", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	occurrences := make([]*aggregation.Occurrence, 0)

	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, s.fail("scan occurrence", err)
		}

		occurrences = append(occurrences, occ)
	}

	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate occurrences", err)
	}

	return occurrences, nil
}

// ProjectExists implements query.Store.
func (s *PostgresStore) ProjectExists(ctx context.Context, name string) (bool, error) {
	var exists bool

	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, s.fail("project exists", err)
	}

	return exists, nil
}

// CountOccurrencesSince implements query.Store.
func (s *PostgresStore) CountOccurrencesSince(ctx context.Context, project string, since time.Time) (int64, error) {
	var where conditions

	where.add("occurred_at >= ?", since)
	where.addIf(project != "", "project_name = ?", project)

	var count int64

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences`+where.sql(), where.args...,
	).Scan(&count)
	if err != nil {
		return 0, s.fail("count occurrences", err)
	}

	return count, nil
}

// fail wraps err with ErrStoreFailed and logs connection-level failures.
func (s *PostgresStore) fail(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("database connection failure",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("%w: %s: %w", ErrStoreFailed, op, err)
}

func insertOccurrence(ctx context.Context, tx *sql.Tx, groupID string, occ *aggregation.Occurrence) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO occurrences (`+occurrenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		occ.ID,
		groupID,
		occ.Project,
		occ.Environment,
		occ.Server,
		occ.Date,
		occ.Message,
		nullableString(occ.LogMessage),
		nullableJSON(occ.Context),
		occ.AffectedUser,
	)

	return err
}

func scanGroup(row rowScanner) (*aggregation.ErrorGroup, error) {
	var (
		group        aggregation.ErrorGroup
		level        int
		environments []string
		servers      []string
	)

	err := row.Scan(
		&group.ID,
		&group.Project,
		&group.Fingerprint,
		&group.Type,
		&group.Backtrace,
		&group.Active,
		&group.Count,
		&level,
		&group.FirstOccurrence,
		&group.LastOccurrence,
		&group.LastMessage,
		pq.Array(&environments),
		pq.Array(&servers),
	)
	if err != nil {
		return nil, err
	}

	group.Level = aggregation.Level(level)
	group.FirstOccurrence = group.FirstOccurrence.UTC()
	group.LastOccurrence = group.LastOccurrence.UTC()
	group.Environments = aggregation.NewStringSet(environments...)
	group.Servers = aggregation.NewStringSet(servers...)

	return &group, nil
}

func scanOccurrence(row rowScanner) (*aggregation.Occurrence, error) {
	var (
		occ          aggregation.Occurrence
		logMessage   sql.NullString
		contextBlob  []byte
		affectedUser sql.NullInt64
	)

	err := row.Scan(
		&occ.ID,
		&occ.GroupID,
		&occ.Project,
		&occ.Environment,
		&occ.Server,
		&occ.Date,
		&occ.Message,
		&logMessage,
		&contextBlob,
		&affectedUser,
	)
	if err != nil {
		return nil, err
	}

	occ.Date = occ.Date.UTC()
	occ.LogMessage = logMessage.String
	occ.Context = contextBlob

	if affectedUser.Valid {
		id := affectedUser.Int64
		occ.AffectedUser = &id
	}

	return &occ, nil
}

// add appends a clause whose "?" placeholders are numbered in order of their arguments.
func (c *conditions) add(clause string, args ...any) {
	for _, a := range args {
		clause = strings.Replace(clause, "?", c.arg(a), 1)
	}

	c.clauses = append(c.clauses, clause)
}

func (c *conditions) addIf(ok bool, clause string, args ...any) {
	if ok {
		c.add(clause, args...)
	}
}

func (c *conditions) addFilter(filter query.OccurrenceFilter) {
	c.addIf(filter.Environment != "", "environment = ?", filter.Environment)
	c.addIf(filter.Server != "", "server = ?", filter.Server)

	if filter.AffectedUser != nil {
		c.add("affected_user = ?", *filter.AffectedUser)
	}
}

// arg registers a positional argument and returns its placeholder.
func (c *conditions) arg(v any) string {
	c.args = append(c.args, v)

	return "$" + strconv.Itoa(len(c.args))
}

func (c *conditions) sql() string {
	if len(c.clauses) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// validUUIDs drops ids that are not UUIDs so the uuid[] cast cannot fail.
func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}

	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

// isDatabaseConnectionError reports whether err indicates the database is unreachable.
// Uses PostgreSQL error class 08 (connection exception) and the database/sql sentinels.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
