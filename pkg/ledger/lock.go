package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"pkd/pkg/pkderr"
)

// Locker serializes writers on the single ledger-state row. Exactly one
// fn runs system-wide at any instant; fn's transaction is committed on
// nil return and rolled back otherwise, with fn's error propagated
// unmodified.
//
// Two backends exist: RowLocker for engines with blocking row locks
// (SELECT ... FOR UPDATE semantics) and ChallengeLocker, a busy-retry
// compare-and-set on the lock_challenge column for engines without them.
// The choice is made once, at construction, never at call sites.
type Locker interface {
	WithExclusiveLock(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

const lockTimedOutState = "55P03"

// RowLocker takes the ledger row lock inside the work transaction. The
// UPDATE blocks on a concurrent holder up to LockTimeout; a timeout
// counts as one failed acquisition attempt.
type RowLocker struct {
	DB          DB
	MaxRetries  int
	RetryDelay  time.Duration
	LockTimeout time.Duration
}

func NewRowLocker(db DB) *RowLocker {
	return &RowLocker{DB: db, MaxRetries: 3, RetryDelay: 100 * time.Millisecond, LockTimeout: 5 * time.Second}
}

func (l *RowLocker) WithExclusiveLock(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := l.attempt(ctx, fn)
		if !isLockContention(err) {
			return err
		}
		if attempt+1 >= l.MaxRetries {
			return pkderr.ErrConcurrent
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryDelay << uint(attempt)):
		}
	}
}

func (l *RowLocker) attempt(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.LockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "set lock timeout", Err: err}
	}
	challenge := uuid.NewString()
	tag, err := tx.Exec(ctx,
		`UPDATE pkd_merkle_state SET lock_challenge = $1 WHERE stateid = 1`, challenge)
	if err != nil {
		if isLockContention(err) {
			return err
		}
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "acquire lock", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "acquire lock", Err: errors.New("state row missing")}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pkd_merkle_state SET lock_challenge = '' WHERE stateid = 1`); err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "release lock", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "commit", Err: err}
	}
	committed = true
	return nil
}

// ChallengeLocker acquires the lock with an autocommit compare-and-set
// on lock_challenge, so the token is observable from other connections
// for the whole duration of fn, and releases it after the work
// transaction ends whether it committed or rolled back.
type ChallengeLocker struct {
	DB         DB
	MaxRetries int
	RetryDelay time.Duration
}

func NewChallengeLocker(db DB) *ChallengeLocker {
	return &ChallengeLocker{DB: db, MaxRetries: 3, RetryDelay: 100 * time.Millisecond}
}

func (l *ChallengeLocker) WithExclusiveLock(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	challenge := uuid.NewString()
	acquired := false
	for attempt := 0; attempt < l.MaxRetries; attempt++ {
		tag, err := l.DB.Exec(ctx,
			`UPDATE pkd_merkle_state SET lock_challenge = $1 WHERE stateid = 1 AND lock_challenge = ''`,
			challenge)
		if err != nil {
			return &pkderr.TableError{Table: "pkd_merkle_state", Op: "acquire lock", Err: err}
		}
		if tag.RowsAffected() == 1 {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryDelay << uint(attempt)):
		}
	}
	if !acquired {
		return pkderr.ErrConcurrent
	}
	defer func() {
		// Best-effort release on a background context so a canceled
		// request cannot leave the ledger locked.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.DB.Exec(releaseCtx,
			`UPDATE pkd_merkle_state SET lock_challenge = '' WHERE stateid = 1 AND lock_challenge = $1`,
			challenge)
	}()

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "begin", Err: err}
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_state", Op: "commit", Err: err}
	}
	return nil
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockTimedOutState
}
