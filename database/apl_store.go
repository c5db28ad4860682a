// backend/database/apl_store.go
package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/utils"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// UpsertOutcome says what a single upsert did.
type UpsertOutcome int

const (
	Added UpsertOutcome = iota
	Updated
	Unchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UpsertResult counts outcomes for one batch.
type UpsertResult struct {
	Additions int
	Updates   int
	Unchanged int
}

func (r *UpsertResult) add(o UpsertOutcome) {
	switch o {
	case Added:
		r.Additions++
	case Updated:
		r.Updates++
	default:
		r.Unchanged++
	}
}

const aplColumns = `id, state, upc, description, brand, eligible, benefit_category, benefit_subcategory,
	participant_types, size_restriction, brand_restriction, additional_restrictions,
	effective_date, expiration_date, data_source, verified, notes, content_hash,
	last_updated, created_at, updated_at`

// APLStore persists canonical entries keyed by (state, upc, effective_date).
type APLStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAPLStore(db *sql.DB, logger *zap.Logger) *APLStore {
	return &APLStore{db: db, logger: logger, now: time.Now}
}

// UpsertBatch writes every entry in one transaction. Any failure rolls back the
// whole batch; previously committed rows are untouched.
func (s *APLStore) UpsertBatch(ctx context.Context, entries []*models.APLEntry) (UpsertResult, error) {
	var res UpsertResult
	if s.db == nil {
		return res, fmt.Errorf("database connection is not initialized")
	}
	if len(entries) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	for _, e := range entries {
		o, err := s.upsert(ctx, tx, e, now)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert %s: %w", e.NaturalKey(), err)
		}
		res.add(o)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit apl batch: %w", err)
	}

	s.logger.Debug("Committed apl batch",
		zap.Int("additions", res.Additions),
		zap.Int("updates", res.Updates),
		zap.Int("unchanged", res.Unchanged))
	return res, nil
}

// Upsert writes a single entry in its own transaction.
func (s *APLStore) Upsert(ctx context.Context, e *models.APLEntry) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	o, err := s.upsert(ctx, tx, e, s.now().UTC())
	if err != nil {
		return Unchanged, err
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return o, nil
}

func (s *APLStore) upsert(ctx context.Context, q querier, e *models.APLEntry, now time.Time) (UpsertOutcome, error) {
	hash, err := contentHash(e)
	if err != nil {
		return Unchanged, err
	}
	existing, err := findByNaturalKey(ctx, q, e.State, e.UPC, e.EffectiveDate)
	switch {
	case errors.Is(err, ErrNotFound):
		if e.ID == "" {
			e.AssignID()
		}
		e.CreatedAt, e.UpdatedAt, e.LastUpdated = now, now, now
		args, err := entryArgs(e, hash)
		if err != nil {
			return Unchanged, err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO apl_entries (`+aplColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return Unchanged, fmt.Errorf("insert: %w", err)
		}
		return Added, nil
	case err != nil:
		return Unchanged, err
	}

	// verified is set by a reviewer, never by a feed
	e.ID, e.CreatedAt, e.Verified = existing.ID, existing.CreatedAt, existing.Verified
	if existing.contentHash == hash {
		e.UpdatedAt, e.LastUpdated = existing.UpdatedAt, existing.LastUpdated
		return Unchanged, nil
	}
	e.UpdatedAt, e.LastUpdated = now, now
	args, err := entryArgs(e, hash)
	if err != nil {
		return Unchanged, err
	}
	// args[3:] skips id, state, upc; effective_date stays as the key
	_, err = q.ExecContext(ctx, `UPDATE apl_entries SET
			description = ?, brand = ?, eligible = ?, benefit_category = ?, benefit_subcategory = ?,
			participant_types = ?, size_restriction = ?, brand_restriction = ?, additional_restrictions = ?,
			expiration_date = ?, data_source = ?, notes = ?, content_hash = ?,
			last_updated = ?, updated_at = ?
		WHERE id = ?`,
		args[3], args[4], args[5], args[6], args[7],
		args[8], args[9], args[10], args[11],
		args[13], args[14], args[16], args[17],
		args[18], args[20],
		e.ID,
	)
	if err != nil {
		return Unchanged, fmt.Errorf("update: %w", err)
	}
	return Updated, nil
}

// FindByNaturalKey returns the entry for (state, upc, effective date), or ErrNotFound.
func (s *APLStore) FindByNaturalKey(ctx context.Context, state, upc string, effective time.Time) (*models.APLEntry, error) {
	r, err := findByNaturalKey(ctx, s.db, state, upc, effective)
	if err != nil {
		return nil, err
	}
	return r.APLEntry, nil
}

// SetVerified records a manual confirmation (or withdrawal) of one entry.
// Feed syncs never change the flag afterwards.
func (s *APLStore) SetVerified(ctx context.Context, state, upc string, effective time.Time, verified bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE apl_entries SET verified = ?, updated_at = ?
		WHERE state = ? AND upc = ? AND effective_date = ?`,
		verified, ts(s.now()), strings.ToUpper(state), upc, effective.Format(models.DateLayout))
	if err != nil {
		return fmt.Errorf("failed to set verified on %s/%s: %w", state, upc, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryByStateAndUPC returns every effective version of a product in a state,
// newest first. The UPC is normalized before lookup so "36000291452" and
// "0-36000-29145-2" find the same rows.
func (s *APLStore) QueryByStateAndUPC(ctx context.Context, state, upc string) ([]*models.APLEntry, error) {
	u, err := utils.NormalizeUPC(upc)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", upc, err)
	}
	return s.query(ctx, `SELECT `+aplColumns+` FROM apl_entries
		WHERE state = ? AND upc = ? ORDER BY effective_date DESC`,
		strings.ToUpper(state), u.UPC12)
}

// ListByState returns every entry for a state ordered by UPC and effective date.
func (s *APLStore) ListByState(ctx context.Context, state string) ([]*models.APLEntry, error) {
	return s.query(ctx, `SELECT `+aplColumns+` FROM apl_entries
		WHERE state = ? ORDER BY upc, effective_date`, strings.ToUpper(state))
}

// CountBySource counts stored entries for one feed.
func (s *APLStore) CountBySource(ctx context.Context, state string, source models.DataSource) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM apl_entries WHERE state = ? AND data_source = ?`,
		strings.ToUpper(state), string(source)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries for %s/%s: %w", state, source, err)
	}
	return n, nil
}

func (s *APLStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.APLEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query apl entries: %w", err)
	}
	defer rows.Close()

	var out []*models.APLEntry
	for rows.Next() {
		r, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.APLEntry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apl entries: %w", err)
	}
	return out, nil
}

type storedEntry struct {
	*models.APLEntry
	contentHash string
}

func findByNaturalKey(ctx context.Context, q querier, state, upc string, effective time.Time) (storedEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+aplColumns+` FROM apl_entries
		WHERE state = ? AND upc = ? AND effective_date = ?`,
		strings.ToUpper(state), upc, effective.Format(models.DateLayout))
	r, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storedEntry{}, ErrNotFound
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (storedEntry, error) {
	var (
		e                                 models.APLEntry
		participants, size, brand, flags  sql.NullString
		expiration, notes                 sql.NullString
		effective, source, hash           string
		lastUpdated, createdAt, updatedAt nullTime
	)
	err := row.Scan(
		&e.ID, &e.State, &e.UPC, &e.Description, &e.Brand, &e.Eligible, &e.BenefitCategory, &e.BenefitSubcategory,
		&participants, &size, &brand, &flags,
		&effective, &expiration, &source, &e.Verified, &notes, &hash,
		&lastUpdated, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storedEntry{}, err
		}
		return storedEntry{}, fmt.Errorf("failed to scan apl entry: %w", err)
	}

	if e.EffectiveDate, err = time.Parse(models.DateLayout, effective); err != nil {
		return storedEntry{}, fmt.Errorf("entry %s: bad effective_date %q: %w", e.ID, effective, err)
	}
	if expiration.Valid && expiration.String != "" {
		t, err := time.Parse(models.DateLayout, expiration.String)
		if err != nil {
			return storedEntry{}, fmt.Errorf("entry %s: bad expiration_date %q: %w", e.ID, expiration.String, err)
		}
		e.ExpirationDate = &t
	}
	for _, c := range []struct {
		col sql.NullString
		dst interface{}
	}{
		{participants, &e.ParticipantTypes},
		{size, &e.SizeRestriction},
		{brand, &e.BrandRestriction},
		{flags, &e.AdditionalRestrictions},
	} {
		if err := decodeJSON(c.col, c.dst); err != nil {
			return storedEntry{}, fmt.Errorf("entry %s: %w", e.ID, err)
		}
	}
	e.DataSource = models.DataSource(source)
	e.Notes = notes.String
	e.LastUpdated, e.CreatedAt, e.UpdatedAt = lastUpdated.Time, createdAt.Time, updatedAt.Time
	return storedEntry{APLEntry: &e, contentHash: hash}, nil
}

// entryArgs returns the values for aplColumns in order.
func entryArgs(e *models.APLEntry, hash string) ([]interface{}, error) {
	participants, err := jsonColumn(e.ParticipantTypes, len(e.ParticipantTypes) == 0)
	if err != nil {
		return nil, err
	}
	size, err := jsonColumn(e.SizeRestriction, e.SizeRestriction == nil)
	if err != nil {
		return nil, err
	}
	brand, err := jsonColumn(e.BrandRestriction, e.BrandRestriction == nil)
	if err != nil {
		return nil, err
	}
	flags, err := jsonColumn(e.AdditionalRestrictions, len(e.AdditionalRestrictions) == 0)
	if err != nil {
		return nil, err
	}
	var expiration interface{}
	if e.ExpirationDate != nil {
		expiration = e.ExpirationDate.Format(models.DateLayout)
	}
	var notes interface{}
	if e.Notes != "" {
		notes = e.Notes
	}
	return []interface{}{
		e.ID, strings.ToUpper(e.State), e.UPC, e.Description, e.Brand, e.Eligible, e.BenefitCategory, e.BenefitSubcategory,
		participants, size, brand, flags,
		e.EffectiveDate.Format(models.DateLayout), expiration, string(e.DataSource), e.Verified, notes, hash,
		ts(e.LastUpdated), ts(e.CreatedAt), ts(e.UpdatedAt),
	}, nil
}

// contentHash fingerprints the mutable fields so unchanged rows skip the write.
func contentHash(e *models.APLEntry) (string, error) {
	var expiration string
	if e.ExpirationDate != nil {
		expiration = e.ExpirationDate.Format(models.DateLayout)
	}
	b, err := json.Marshal(struct {
		Description, Brand    string
		Eligible              bool
		Category, Subcategory string
		Participants          []models.ParticipantType
		Size                  *models.SizeRestriction
		BrandRestriction      *models.BrandRestriction
		Flags                 models.PolicyFlags
		Expiration            string
		Source                models.DataSource
		Notes                 string
	}{
		e.Description, e.Brand, e.Eligible, e.BenefitCategory, e.BenefitSubcategory,
		e.ParticipantTypes, e.SizeRestriction, e.BrandRestriction, e.AdditionalRestrictions,
		expiration, e.DataSource, e.Notes,
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash entry content: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
