package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-fin-ledger/pkg/wal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openAccount(t *testing.T, ledger *MutexLedger, email string) int64 {
	t.Helper()
	var id int64
	err := ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		account := domain.NewAccount(email, "user", "hash", t0)
		if err := repos.Accounts().Save(ctx, account); err != nil {
			return err
		}
		id = account.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

func credit(ctx context.Context, ledger *MutexLedger, accountID int64, amount string, at time.Time) error {
	return ledger.Do(ctx, func(ctx context.Context, repos usecase.Repositories) error {
		account, err := repos.Accounts().Get(ctx, accountID, usecase.LockExclusive)
		if err != nil {
			return err
		}
		amt := decimal.RequireFromString(amount)
		if err := account.Credit(amt); err != nil {
			return err
		}
		if err := repos.Accounts().Save(ctx, account); err != nil {
			return err
		}
		return repos.Entries().Append(ctx, domain.NewLedgerEntry(accountID, amt, domain.KindIncome, domain.CategorySalary, "pay", at))
	})
}

func balanceOf(t *testing.T, ledger *MutexLedger, accountID int64) decimal.Decimal {
	t.Helper()
	account, ok := ledger.committedAccount(accountID)
	require.True(t, ok)
	return account.Balance()
}

func TestCommitAppliesAccountAndEntry(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")

	require.NoError(t, credit(context.Background(), ledger, id, "12.50", t0))

	assert.True(t, balanceOf(t, ledger, id).Equal(decimal.RequireFromString("12.50")))
	entries := ledger.query(id, domain.EntryFilter{Limit: 10})
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ID)
}

func TestRollbackOnError(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")
	boom := errors.New("boom")

	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		account, err := repos.Accounts().Get(ctx, id, usecase.LockExclusive)
		require.NoError(t, err)
		require.NoError(t, account.Credit(decimal.NewFromInt(5)))
		require.NoError(t, repos.Accounts().Save(ctx, account))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, balanceOf(t, ledger, id).IsZero())

	// 鎖已釋放
	require.NoError(t, credit(context.Background(), ledger, id, "1", t0))
}

func TestCanceledContextDoesNotCommit(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	err = ledger.Do(ctx, func(ctx context.Context, repos usecase.Repositories) error {
		account, err := repos.Accounts().Get(ctx, id, usecase.LockExclusive)
		require.NoError(t, err)
		require.NoError(t, account.Credit(decimal.NewFromInt(5)))
		require.NoError(t, repos.Accounts().Save(ctx, account))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, balanceOf(t, ledger, id).IsZero())
}

func TestGetMissingAccount(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		_, err := repos.Accounts().Get(ctx, 99, usecase.LockExclusive)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestLockTimeout(t *testing.T) {
	ledger, err := NewMutexLedger(WithLockTimeout(20 * time.Millisecond))
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
			_, err := repos.Accounts().Get(ctx, id, usecase.LockExclusive)
			close(locked)
			<-done
			return err
		})
	}()
	<-locked

	err = credit(context.Background(), ledger, id, "1", t0)
	close(done)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, domain.IsRetryable(err))
}

func TestAccountLockIsReused(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	a := openAccount(t, ledger, "a@example.com")
	b := openAccount(t, ledger, "b@example.com")

	for i := 0; i < 5; i++ {
		require.NoError(t, credit(context.Background(), ledger, a, "1", t0))
		require.NoError(t, credit(context.Background(), ledger, b, "1", t0))
	}
	assert.Same(t, ledger.accountLock(a), ledger.accountLock(a))
	assert.NotSame(t, ledger.accountLock(a), ledger.accountLock(b))
	assert.Len(t, ledger.locks, 2)
}

func TestCanceledWhileWaitingForLock(t *testing.T) {
	ledger, err := NewMutexLedger(WithLockTimeout(time.Second))
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
			_, err := repos.Accounts().Get(ctx, id, usecase.LockExclusive)
			close(locked)
			<-done
			return err
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	err = credit(ctx, ledger, id, "1", t0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrTimeout)
}

func TestDuplicateEmailRejectedAtCommit(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	openAccount(t, ledger, "a@example.com")

	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		return repos.Accounts().Save(ctx, domain.NewAccount("a@example.com", "other", "hash", t0))
	})
	assert.ErrorIs(t, err, domain.ErrAccountAlreadyExists)
}

func TestAppendRequiresAccount(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		return repos.Entries().Append(ctx, domain.NewLedgerEntry(7, decimal.NewFromInt(1), domain.KindIncome, domain.CategoryOther, "x", t0))
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestFindByRequestID(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")
	reqID := uuid.New()

	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		entry := domain.NewLedgerEntry(id, decimal.NewFromInt(3), domain.KindIncome, domain.CategoryOther, "x", t0)
		entry.RequestID = reqID
		return repos.Entries().Append(ctx, entry)
	})
	require.NoError(t, err)

	err = ledger.Do(context.Background(), func(ctx context.Context, repos usecase.Repositories) error {
		found, err := repos.Entries().FindByRequestID(ctx, id, reqID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, reqID, found.RequestID)

		missing, err := repos.Entries().FindByRequestID(ctx, id, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)

		dup := domain.NewLedgerEntry(id, decimal.NewFromInt(3), domain.KindIncome, domain.CategoryOther, "x", t0)
		dup.RequestID = reqID
		return repos.Entries().Append(ctx, dup)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
}

func TestQueryAggregateAndTotal(t *testing.T) {
	ledger, err := NewMutexLedger()
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")
	for i := 0; i < 5; i++ {
		require.NoError(t, credit(context.Background(), ledger, id, "10", t0.Add(time.Duration(i)*time.Hour)))
	}
	// 同一時間的兩筆依 ID 新到舊
	require.NoError(t, credit(context.Background(), ledger, id, "1", t0))

	page := ledger.query(id, domain.EntryFilter{Limit: 2, Offset: 1})
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.Equal(t0.Add(3*time.Hour)))

	tail := ledger.query(id, domain.EntryFilter{Limit: 10})
	require.Len(t, tail, 6)
	assert.Equal(t, int64(6), tail[4].ID)
	assert.Equal(t, int64(1), tail[5].ID)

	assert.Empty(t, ledger.query(id, domain.EntryFilter{Limit: 10, Offset: 6}))

	totals := ledger.aggregate(id, domain.Period{From: t0, To: t0.Add(2 * time.Hour)})
	assert.True(t, totals[domain.CategorySalary].Equal(decimal.NewFromInt(21)))

	assert.True(t, ledger.total(id, domain.KindIncome).Equal(decimal.NewFromInt(51)))
	assert.True(t, ledger.total(id, domain.KindExpense).IsZero())
}

func TestRecoverFromWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.wal")
	w, err := wal.NewWAL(path)
	require.NoError(t, err)
	ledger, err := NewMutexLedger(WithWAL(w))
	require.NoError(t, err)

	id := openAccount(t, ledger, "a@example.com")
	require.NoError(t, credit(context.Background(), ledger, id, "7.25", t0))
	require.NoError(t, w.Close())

	w2, err := wal.NewWAL(path)
	require.NoError(t, err)
	defer w2.Close()
	restored, err := NewMutexLedger(WithWAL(w2))
	require.NoError(t, err)

	assert.True(t, balanceOf(t, restored, id).Equal(decimal.RequireFromString("7.25")))
	require.Len(t, restored.query(id, domain.EntryFilter{Limit: 10}), 1)

	// ID 從恢復後的最大值往下分配
	next := openAccount(t, restored, "b@example.com")
	assert.Equal(t, id+1, next)
}

func TestWALFailureRollsBack(t *testing.T) {
	w, err := wal.NewWAL(filepath.Join(t.TempDir(), "ledger.wal"))
	require.NoError(t, err)
	ledger, err := NewMutexLedger(WithWAL(w))
	require.NoError(t, err)
	id := openAccount(t, ledger, "a@example.com")

	require.NoError(t, w.Close())
	err = credit(context.Background(), ledger, id, "1", t0)
	assert.ErrorIs(t, err, domain.ErrWALWriteFailed)
	assert.True(t, balanceOf(t, ledger, id).IsZero())
	assert.Empty(t, ledger.query(id, domain.EntryFilter{Limit: 10}))
}
