package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
)

// memTx 一個 unit of work 的暫存區
// 只在單一 goroutine 內使用，不需要額外的鎖
type memTx struct {
	ledger *MutexLedger
	held   map[int64]*semaphore.Weighted

	accounts map[int64]*domain.Account
	order    []int64
	entries  []domain.LedgerEntry
}

func newTx(ledger *MutexLedger) *memTx {
	return &memTx{
		ledger:   ledger,
		held:     make(map[int64]*semaphore.Weighted),
		accounts: make(map[int64]*domain.Account),
	}
}

func (tx *memTx) Accounts() usecase.AccountRepository { return accountRepo{tx} }
func (tx *memTx) Entries() usecase.EntryRepository    { return entryRepo{tx} }

// lock 取得帳戶的 EXCLUSIVE 鎖，同一個 tx 重複取得直接返回
func (tx *memTx) lock(ctx context.Context, accountID int64) error {
	if _, ok := tx.held[accountID]; ok {
		return nil
	}
	sem := tx.ledger.accountLock(accountID)

	waitCtx := ctx
	if tx.ledger.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, tx.ledger.lockTimeout)
		defer cancel()
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		// 呼叫端主動取消時保留原本的錯誤
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: lock account %d: %v", domain.ErrTimeout, accountID, err)
	}
	tx.held[accountID] = sem
	return nil
}

// release 釋放所有持有的鎖
func (tx *memTx) release() {
	for id, sem := range tx.held {
		sem.Release(1)
		delete(tx.held, id)
	}
}

func (tx *memTx) stage(account *domain.Account) {
	if _, ok := tx.accounts[account.ID]; !ok {
		tx.order = append(tx.order, account.ID)
	}
	tx.accounts[account.ID] = account.Clone()
}

// exists 帳戶已提交或在本 tx 內建立
func (tx *memTx) exists(accountID int64) bool {
	if _, ok := tx.accounts[accountID]; ok {
		return true
	}
	_, ok := tx.ledger.committedAccount(accountID)
	return ok
}

type accountRepo struct{ tx *memTx }

func (r accountRepo) Get(ctx context.Context, accountID int64, mode usecase.LockMode) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if staged, ok := r.tx.accounts[accountID]; ok {
		if mode == usecase.LockExclusive {
			if err := r.tx.lock(ctx, accountID); err != nil {
				return nil, err
			}
		}
		return staged.Clone(), nil
	}
	if !r.tx.exists(accountID) {
		return nil, domain.ErrAccountNotFound
	}
	if mode == usecase.LockExclusive {
		if err := r.tx.lock(ctx, accountID); err != nil {
			return nil, err
		}
	}
	// 等鎖期間可能有人提交，拿到鎖之後再讀一次
	account, ok := r.tx.ledger.committedAccount(accountID)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (r accountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, staged := range r.tx.accounts {
		if staged.Email == email {
			return staged.Clone(), nil
		}
	}
	r.tx.ledger.mu.RLock()
	id, ok := r.tx.ledger.emails[email]
	r.tx.ledger.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	account, ok := r.tx.ledger.committedAccount(id)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (r accountRepo) Save(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account.ID == 0 {
		account.ID = r.tx.ledger.nextAccountID.Add(1)
		// 新帳戶還沒有人看得到，直接上鎖不會等待
		if err := r.tx.lock(ctx, account.ID); err != nil {
			return err
		}
		r.tx.stage(account)
		return nil
	}
	if !r.tx.exists(account.ID) {
		return domain.ErrAccountNotFound
	}
	if err := r.tx.lock(ctx, account.ID); err != nil {
		return err
	}
	r.tx.stage(account)
	return nil
}

type entryRepo struct{ tx *memTx }

func (r entryRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.tx.exists(entry.AccountID) {
		return domain.ErrAccountNotFound
	}
	if entry.RequestID != uuid.Nil {
		existing, err := r.FindByRequestID(ctx, entry.AccountID, entry.RequestID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: request %s already recorded", domain.ErrConcurrencyConflict, entry.RequestID)
		}
	}
	entry.ID = r.tx.ledger.nextEntryID.Add(1)
	r.tx.entries = append(r.tx.entries, *entry)
	return nil
}

func (r entryRepo) FindByRequestID(ctx context.Context, accountID int64, requestID uuid.UUID) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range r.tx.entries {
		if r.tx.entries[i].AccountID == accountID && r.tx.entries[i].RequestID == requestID {
			entry := r.tx.entries[i]
			return &entry, nil
		}
	}
	ledger := r.tx.ledger
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	idx, ok := ledger.requests[requestKey{accountID, requestID}]
	if !ok {
		return nil, nil
	}
	entry := ledger.entries[idx]
	return &entry, nil
}

func (r entryRepo) Query(ctx context.Context, accountID int64, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.tx.ledger.query(accountID, filter), nil
}

func (r entryRepo) Aggregate(ctx context.Context, accountID int64, period domain.Period) (map[domain.Category]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.tx.ledger.aggregate(accountID, period), nil
}

func (r entryRepo) Total(ctx context.Context, accountID int64, kind domain.Kind) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return r.tx.ledger.total(accountID, kind), nil
}

var (
	_ usecase.Repositories      = (*memTx)(nil)
	_ usecase.AccountRepository = accountRepo{}
	_ usecase.EntryRepository   = entryRepo{}
)
