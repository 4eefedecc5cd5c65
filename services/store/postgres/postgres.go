// Package postgres implements the store contracts on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"nestsync/pkg/db"
	"nestsync/services/sleep"
	"nestsync/services/store"
)

const sessionColumns = `id, user_id, baby_id, start_time, end_time, duration_minutes, notes, quality,
	created_at, updated_at, synced_at, shared_with_user_id, partner_id, updated_by`

// Store reads and writes the nestsync tables through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

type sessionRow struct {
	ID               string     `db:"id"`
	UserID           string     `db:"user_id"`
	BabyID           *string    `db:"baby_id"`
	StartTime        time.Time  `db:"start_time"`
	EndTime          *time.Time `db:"end_time"`
	DurationMinutes  *int       `db:"duration_minutes"`
	Notes            *string    `db:"notes"`
	Quality          *string    `db:"quality"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	SyncedAt         *time.Time `db:"synced_at"`
	SharedWithUserID *string    `db:"shared_with_user_id"`
	PartnerID        *string    `db:"partner_id"`
	UpdatedBy        *string    `db:"updated_by"`
}

func (r sessionRow) toSession() sleep.Session {
	s := sleep.Session{
		ID:              r.ID,
		OwnerID:         r.UserID,
		BabyID:          r.BabyID,
		StartTime:       r.StartTime.UTC(),
		DurationMinutes: r.DurationMinutes,
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		SharedWithID:    r.SharedWithUserID,
		PartnerID:       r.PartnerID,
		UpdatedBy:       sleep.Deref(r.UpdatedBy),
	}
	if r.EndTime != nil {
		end := r.EndTime.UTC()
		s.EndTime = &end
	}
	if r.SyncedAt != nil {
		at := r.SyncedAt.UTC()
		s.SyncedAt = &at
	}
	if r.Quality != nil {
		s.Quality = sleep.Quality(*r.Quality)
	}
	if s.UpdatedBy == "" {
		s.UpdatedBy = s.OwnerID
	}
	return s
}

func toSessions(rows []sessionRow) []sleep.Session {
	out := make([]sleep.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSession())
	}
	return out
}

func qualityArg(q sleep.Quality) *string {
	if q == sleep.QualityUnset {
		return nil
	}
	v := string(q)
	return &v
}

// classify maps driver errors onto the sleep error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case db.IsNoRows(err):
		return sleep.E(sleep.NotFound, op, sleep.ErrNotFound)
	case db.IsTransient(err), errors.Is(err, context.Canceled):
		return sleep.E(sleep.TransientNetwork, op, err)
	case db.HasCode(err, db.CodeInvalidText):
		return sleep.E(sleep.InvalidArgument, op, err)
	default:
		return sleep.E(sleep.Backend, op, err)
	}
}

// --- SessionStore ---

func (s *Store) InsertSession(ctx context.Context, session sleep.Session) error {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.OwnerID) == "" {
		return sleep.Errorf(sleep.InvalidArgument, "insert session", "id and owner are required")
	}
	_, err := db.Exec(ctx, s.pool, `
INSERT INTO sleep_entries (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`,
		session.ID, session.OwnerID, session.BabyID, session.StartTime, session.EndTime,
		session.DurationMinutes, session.Notes, qualityArg(session.Quality),
		session.CreatedAt, session.UpdatedAt, session.SyncedAt, session.SharedWithID,
		session.PartnerID, sleep.StringPtr(session.UpdatedBy),
	)
	return classify("insert session", err)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch sleep.Patch, updatedAt time.Time) (sleep.Session, error) {
	sets := []string{"updated_at = $2"}
	args := []any{id, updatedAt}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.StartTime != nil {
		add("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}
	if patch.DurationMinutes != nil {
		add("duration_minutes", *patch.DurationMinutes)
	}
	if patch.Quality != nil {
		add("quality", qualityArg(*patch.Quality))
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if patch.PartnerID != nil {
		add("partner_id", sleep.StringPtr(*patch.PartnerID))
	}
	if patch.UpdatedBy != nil {
		add("updated_by", sleep.StringPtr(*patch.UpdatedBy))
	}
	if patch.SyncedAt != nil {
		add("synced_at", *patch.SyncedAt)
	}

	var row sessionRow
	err := db.Returning(ctx, s.pool, &row, `
UPDATE sleep_entries SET `+strings.Join(sets, ", ")+`
WHERE id = $1
RETURNING `+sessionColumns, args...)
	if err != nil {
		return sleep.Session{}, classify("update session", err)
	}
	return row.toSession(), nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) (sleep.Session, error) {
	var row sessionRow
	err := db.Returning(ctx, s.pool, &row, `DELETE FROM sleep_entries WHERE id = $1 RETURNING `+sessionColumns, id)
	if err != nil {
		return sleep.Session{}, classify("delete session", err)
	}
	return row.toSession(), nil
}

func (s *Store) GetSession(ctx context.Context, id string) (sleep.Session, error) {
	var row sessionRow
	err := db.Get(ctx, s.pool, &row, `SELECT `+sessionColumns+` FROM sleep_entries WHERE id = $1`, id)
	if err != nil {
		return sleep.Session{}, classify("get session", err)
	}
	return row.toSession(), nil
}

func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]sleep.Session, error) {
	query, args, err := buildSessionQuery(f)
	if err != nil {
		return nil, sleep.E(sleep.InvalidArgument, "list sessions", err)
	}

	var rows []sessionRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, classify("list sessions", err)
	}
	return toSessions(rows), nil
}

func buildSessionQuery(f store.SessionFilter) (string, []any, error) {
	if f.OwnerID == "" && f.PartnerID == "" && f.SharedWithID == "" {
		return "", nil, errors.New("an account filter is required")
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OwnerID != "" {
		add("user_id = $%d", f.OwnerID)
	}
	if f.PartnerID != "" {
		add("partner_id = $%d", f.PartnerID)
	}
	if f.SharedWithID != "" {
		add("shared_with_user_id = $%d", f.SharedWithID)
	}
	if f.FilterBaby {
		if f.BabyID == nil {
			where = append(where, "baby_id IS NULL")
		} else {
			add("baby_id = $%d", *f.BabyID)
		}
	}
	if f.InProgress {
		where = append(where, "end_time IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sleep_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY start_time DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

func (s *Store) ListSharedSessions(ctx context.Context, accountID string) ([]sleep.Session, error) {
	var rows []sessionRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT e.id, e.user_id, e.baby_id, e.start_time, e.end_time, e.duration_minutes, e.notes, e.quality,
	e.created_at, e.updated_at, e.synced_at, e.shared_with_user_id, e.partner_id, e.updated_by
FROM sleep_entry_shares sh
JOIN sleep_entries e ON e.id = sh.entry_id
WHERE sh.shared_with_id = $1
ORDER BY e.start_time DESC, e.id
`, accountID)
	if err != nil {
		return nil, classify("list shared sessions", err)
	}
	return toSessions(rows), nil
}

// --- ShareStore ---

func (s *Store) UpsertShare(ctx context.Context, share sleep.Share) (bool, error) {
	if share.SessionID == "" || share.SharedWithID == "" {
		return false, sleep.Errorf(sleep.InvalidArgument, "upsert share", "entry id and shared-with id are required")
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	tag, err := db.Exec(ctx, s.pool, `
INSERT INTO sleep_entry_shares (entry_id, owner_id, shared_with_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (entry_id, shared_with_id) DO NOTHING
`, share.SessionID, share.OwnerID, share.SharedWithID, share.CreatedAt)
	if err != nil {
		return false, classify("upsert share", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListShareRecipients(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := db.Select(ctx, s.pool, &ids, `
SELECT shared_with_id FROM sleep_entry_shares WHERE entry_id = $1 ORDER BY shared_with_id
`, sessionID)
	if err != nil {
		return nil, classify("list share recipients", err)
	}
	return ids, nil
}

func (s *Store) ListUnmigratedLegacy(ctx context.Context, ownerID string) ([]sleep.Session, error) {
	query := `
SELECT e.id, e.user_id, e.baby_id, e.start_time, e.end_time, e.duration_minutes, e.notes, e.quality,
	e.created_at, e.updated_at, e.synced_at, e.shared_with_user_id, e.partner_id, e.updated_by
FROM sleep_entries e
LEFT JOIN sleep_entry_shares sh
	ON sh.entry_id = e.id AND sh.shared_with_id = e.shared_with_user_id
WHERE e.shared_with_user_id IS NOT NULL AND sh.entry_id IS NULL`
	var args []any
	if ownerID != "" {
		query += ` AND e.user_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY e.start_time DESC, e.id`

	var rows []sessionRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, classify("list unmigrated legacy", err)
	}
	return toSessions(rows), nil
}

func (s *Store) ListLegacyOwners(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.Select(ctx, s.pool, &ids, `
SELECT DISTINCT user_id FROM sleep_entries WHERE shared_with_user_id IS NOT NULL ORDER BY user_id
`)
	if err != nil {
		return nil, classify("list legacy owners", err)
	}
	return ids, nil
}

// --- LinkStore ---

type linkRow struct {
	ID               string    `db:"id"`
	CreatorID        string    `db:"creator_id"`
	InvitedID        string    `db:"invited_id"`
	RelationshipType string    `db:"relationship_type"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}

func (s *Store) ListLinks(ctx context.Context, accountID string) ([]sleep.Link, error) {
	var rows []linkRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, creator_id, invited_id, relationship_type, status, created_at
FROM account_links
WHERE creator_id = $1 OR invited_id = $1
ORDER BY created_at, id
`, accountID)
	if err != nil {
		return nil, classify("list links", err)
	}

	out := make([]sleep.Link, 0, len(rows))
	for _, r := range rows {
		out = append(out, sleep.Link{
			ID:               r.ID,
			CreatorID:        r.CreatorID,
			InvitedID:        r.InvitedID,
			RelationshipType: r.RelationshipType,
			Status:           sleep.LinkStatus(strings.ToLower(r.Status)),
			CreatedAt:        r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

var _ store.Backend = (*Store)(nil)
