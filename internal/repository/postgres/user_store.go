package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/pkg/rbac"
)

type UserStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewUserStore(db *pgxpool.Pool, logger *zap.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

const userColumns = `id::text, name, email, role, wallet_address, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u      model.User
		role   string
		wallet *string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &wallet, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	r, err := rbac.ParseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = r
	u.WalletAddress = deref(wallet)
	return &u, nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &escrowerr.NotFoundError{Entity: "user", ID: id}
		}
		return nil, persistence("get user", err)
	}
	return u, nil
}

// CreateUser inserts a user row. Registration lives elsewhere; this is used
// for seeding and tests.
func (s *UserStore) CreateUser(ctx context.Context, u *model.User) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email, role, wallet_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, u.ID, u.Name, u.Email, string(u.Role), nullString(u.WalletAddress)).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return persistence("create user", err)
	}
	return nil
}

func (s *UserStore) SetWallet(ctx context.Context, id string, address string) (*model.User, error) {
	s.logger.Debug("Updating wallet", zap.String("user_id", id))

	u, err := scanUser(s.db.QueryRow(ctx, `
		UPDATE users SET wallet_address = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns, id, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &escrowerr.NotFoundError{Entity: "user", ID: id}
		}
		return nil, persistence("set wallet", err)
	}

	s.logger.Info("Wallet updated", zap.String("user_id", id), zap.String("wallet", address))
	return u, nil
}

var _ repository.UserStore = (*UserStore)(nil)
