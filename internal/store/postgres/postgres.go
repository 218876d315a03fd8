package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"basil/core/internal/domain"
	"basil/core/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: open")
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}

	return &Store{db: db}, nil
}

// Migrate creates missing tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "postgres: migrate")
}

func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `u.id, u.name, COALESCE(u.email, ''), COALESCE(u.phone, ''), u.password, u.is_admin, u.active, COALESCE(u.tenant_id, ''), u.tenant_role, u.created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.UserAccount, error) {
	var u domain.UserAccount
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Password, &u.IsAdmin, &u.Active, &u.TenantID, &u.TenantRole, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserAccount{}, store.ErrNotFound
		}
		return domain.UserAccount{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (domain.UserAccount, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM app_users u
		WHERE lower(u.email) = lower($1) OR u.phone = $1
		LIMIT 1
	`, identifier))
}

func (s *Store) FindUserByID(ctx context.Context, id string) (domain.UserAccount, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM app_users u
		WHERE u.id = $1
	`, id))
}

func (s *Store) FindUserByGoogleSubject(ctx context.Context, subject string) (domain.UserAccount, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM google_identities g
		JOIN app_users u ON u.id = g.user_id
		WHERE g.subject = $1
	`, subject))
}

func (s *Store) LinkGoogleIdentity(ctx context.Context, subject string, userID string) error {
	if subject == "" || userID == "" {
		return store.ErrInvalid
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO google_identities (subject, user_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subject) DO UPDATE SET subject = EXCLUDED.subject
		WHERE google_identities.user_id = EXCLUDED.user_id
	`, subject, userID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Phone = strings.TrimSpace(user.Phone)
	if user.ID == "" || (user.Email == "" && user.Phone == "") {
		return store.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, name, email, phone, password, is_admin, active, tenant_id, tenant_role, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10, now())
	`, user.ID, user.Name, user.Email, user.Phone, user.Password, user.IsAdmin, user.Active, user.TenantID, user.TenantRole, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID string, password string) error {
	if userID == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE id = $1
	`, userID, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var (
		t        domain.Tenant
		features []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subscription_active, features, created_at
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.SubscriptionActive, &features, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Tenant{}, store.ErrNotFound
		}
		return domain.Tenant{}, err
	}
	t.Features = map[string]bool{}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return domain.Tenant{}, errors.Wrapf(err, "decode features of tenant %s", tenantID)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Store) ListStores(ctx context.Context, tenantID string) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, active
		FROM tenant_stores
		WHERE tenant_id = $1
		ORDER BY name ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stores := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.TenantID, &st.Name, &st.Active); err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stores, nil
}

func (s *Store) RolePermissions(ctx context.Context, tenantID string, role string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permission
		FROM tenant_role_permissions
		WHERE tenant_id = $1 AND role = $2
		ORDER BY permission ASC
	`, tenantID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	permissions := make([]string, 0, 16)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return permissions, nil
}

func (s *Store) SaveOTP(ctx context.Context, code domain.OTPCode) error {
	if code.Phone == "" || code.CodeHash == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO otp_codes (phone, code_hash, expires_at, attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone)
		DO UPDATE SET code_hash = EXCLUDED.code_hash, expires_at = EXCLUDED.expires_at, attempts = EXCLUDED.attempts
	`, code.Phone, code.CodeHash, code.ExpiresAt, code.Attempts)
	return err
}

func (s *Store) GetOTP(ctx context.Context, phone string) (domain.OTPCode, error) {
	var code domain.OTPCode
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, code_hash, expires_at, attempts
		FROM otp_codes
		WHERE phone = $1
	`, phone).Scan(&code.Phone, &code.CodeHash, &code.ExpiresAt, &code.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OTPCode{}, store.ErrNotFound
		}
		return domain.OTPCode{}, err
	}
	code.ExpiresAt = code.ExpiresAt.UTC()
	return code, nil
}

func (s *Store) IncrementOTPAttempts(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE otp_codes SET attempts = attempts + 1 WHERE phone = $1`, phone)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteOTP(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM otp_codes WHERE phone = $1`, phone)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
