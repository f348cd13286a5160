package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carebrain/internal/config"
	"carebrain/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx. Reads issued while a
// transaction is open must go through the transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func (r Repo) q(q DBTX) DBTX {
	if q != nil {
		return q
	}
	return r.DB
}

const settingsConfigKey = "config"

// PutConfig stores the active configuration.
func (r Repo) PutConfig(ctx context.Context, q DBTX, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, settingsConfigKey, string(data), FormatTime(now))
	return err
}

func (r Repo) GetConfig(ctx context.Context, q DBTX) (*config.Config, error) {
	var data string
	err := r.q(q).QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, settingsConfigKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

func (r Repo) InsertResident(ctx context.Context, q DBTX, res domain.Resident) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO residents(id,agency_id,display_name,supervision_enabled,service_model,primary_caregiver_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		res.ID, res.AgencyID, nullable(res.DisplayName), boolInt(res.SupervisionEnabled), res.ServiceModel, nullable(res.PrimaryCaregiverID), FormatTime(res.CreatedAt))
	return err
}

// UpdateResidentPolicy changes the fields the escalation policy reads.
func (r Repo) UpdateResidentPolicy(ctx context.Context, q DBTX, id string, supervision bool, serviceModel string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE residents SET supervision_enabled=?, service_model=? WHERE id=?`, boolInt(supervision), serviceModel, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const residentColumns = `id,agency_id,COALESCE(display_name,''),supervision_enabled,service_model,COALESCE(primary_caregiver_id,''),created_at`

func scanResident(s scanner) (domain.Resident, error) {
	var (
		res     domain.Resident
		sup     int
		created string
	)
	if err := s.Scan(&res.ID, &res.AgencyID, &res.DisplayName, &sup, &res.ServiceModel, &res.PrimaryCaregiverID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, ErrNotFound
		}
		return res, err
	}
	res.SupervisionEnabled = sup == 1
	var err error
	res.CreatedAt, err = ParseTime(created)
	return res, err
}

func (r Repo) GetResident(ctx context.Context, q DBTX, id string) (domain.Resident, error) {
	return scanResident(r.q(q).QueryRowContext(ctx, `SELECT `+residentColumns+` FROM residents WHERE id=?`, id))
}

// ListResidents returns residents, optionally scoped to an agency.
func (r Repo) ListResidents(ctx context.Context, q DBTX, agencyID string) ([]domain.Resident, error) {
	query := `SELECT ` + residentColumns + ` FROM residents`
	var args []any
	if agencyID != "" {
		query += ` WHERE agency_id=?`
		args = append(args, agencyID)
	}
	query += ` ORDER BY id`
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Resident
	for rows.Next() {
		res, err := scanResident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r Repo) UpsertBaseline(ctx context.Context, q DBTX, b domain.Baseline) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO baselines(resident_id,metric,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(resident_id,metric) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		b.ResidentID, b.Metric, b.Value, FormatTime(b.UpdatedAt))
	return err
}

// Baselines returns metric -> value for a resident.
func (r Repo) Baselines(ctx context.Context, q DBTX, residentID string) (map[string]float64, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT metric,value FROM baselines WHERE resident_id=?`, residentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var (
			metric string
			value  float64
		)
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, err
		}
		out[metric] = value
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
