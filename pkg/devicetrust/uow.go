package devicetrust

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polisafe/securecore/pkg/securityevent"
)

// Repositories groups the storage surfaces a device trust operation writes to.
// The device row and the security events it emits must land together.
type Repositories struct {
	Devices DeviceRepository
	Events  securityevent.Repository
}

// UnitOfWork runs a function against repositories bound to one commit scope:
// either every write inside fn is persisted or none are.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
}

// RepoUnitOfWork binds fixed repositories with no shared transaction. Suitable
// for the in-memory repositories, whose writes do not fail partway.
type RepoUnitOfWork Repositories

func (u RepoUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	return fn(ctx, Repositories(u))
}

// Tx is the transaction subset the unit of work needs. pgx.Tx satisfies it.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner opens transactions for PostgresUnitOfWork
type TxBeginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolTxBeginner adapts a pgxpool.Pool to TxBeginner
type PoolTxBeginner struct {
	Pool *pgxpool.Pool
}

func (b PoolTxBeginner) Begin(ctx context.Context) (Tx, error) {
	return b.Pool.Begin(ctx)
}

// PostgresUnitOfWork opens one transaction per Do call and binds the device
// and event repositories to it, so a device update and the security events it
// emits commit or roll back together.
type PostgresUnitOfWork struct {
	db TxBeginner
}

// NewPostgresUnitOfWork creates a transactional unit of work over a pgx pool
func NewPostgresUnitOfWork(pool *pgxpool.Pool) *PostgresUnitOfWork {
	return NewPostgresUnitOfWorkWithBeginner(PoolTxBeginner{Pool: pool})
}

// NewPostgresUnitOfWorkWithBeginner creates a unit of work over a custom
// transaction opener
func NewPostgresUnitOfWorkWithBeginner(db TxBeginner) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

// Do runs fn inside a single transaction
func (u *PostgresUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	repos := Repositories{
		Devices: NewPostgresDeviceRepository(tx),
		Events:  securityevent.NewPostgresEventRepository(tx),
	}
	if err := fn(ctx, repos); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
