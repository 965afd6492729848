package usecase_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// stepClock 每次呼叫往前推一秒
type stepClock struct{ n atomic.Int64 }

func (c *stepClock) Now() time.Time {
	return t0.Add(time.Duration(c.n.Add(1)) * time.Second)
}

type fakeClassifier struct {
	calls    atomic.Int32
	category domain.Category
	err      error
	// block: 等到 ctx 結束才返回
	block bool
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (domain.Category, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.category, f.err
}

type fakeHasher struct{}

func (fakeHasher) Hash(_ context.Context, pw string) (string, error) { return "h:" + pw, nil }
func (fakeHasher) Verify(_ context.Context, pw, hash string) (bool, error) {
	return hash == "h:"+pw, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.EntryRecorded
	err    error
}

func (p *recordingPublisher) PublishEntryRecorded(_ context.Context, e domain.EntryRecorded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

// faultUoW 包住真正的 unit of work，注入延遲與錯誤
type faultUoW struct {
	inner      usecase.UnitOfWork
	calls      atomic.Int32
	getDelay   time.Duration
	failSave   error
	failAppend error
	failCommit error
}

func (f *faultUoW) Do(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	f.calls.Add(1)
	return f.inner.Do(ctx, func(ctx context.Context, repos usecase.Repositories) error {
		if err := fn(ctx, faultRepos{repos, f}); err != nil {
			return err
		}
		return f.failCommit
	})
}

type faultRepos struct {
	usecase.Repositories
	f *faultUoW
}

func (r faultRepos) Accounts() usecase.AccountRepository {
	return faultAccounts{r.Repositories.Accounts(), r.f}
}

func (r faultRepos) Entries() usecase.EntryRepository {
	return faultEntries{r.Repositories.Entries(), r.f}
}

type faultAccounts struct {
	usecase.AccountRepository
	f *faultUoW
}

func (a faultAccounts) Get(ctx context.Context, id int64, mode usecase.LockMode) (*domain.Account, error) {
	account, err := a.AccountRepository.Get(ctx, id, mode)
	if err == nil && a.f.getDelay > 0 {
		time.Sleep(a.f.getDelay)
	}
	return account, err
}

func (a faultAccounts) Save(ctx context.Context, account *domain.Account) error {
	if a.f.failSave != nil && account.ID != 0 {
		return a.f.failSave
	}
	return a.AccountRepository.Save(ctx, account)
}

type faultEntries struct {
	usecase.EntryRepository
	f *faultUoW
}

func (e faultEntries) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	if e.f.failAppend != nil {
		return e.f.failAppend
	}
	return e.EntryRepository.Append(ctx, entry)
}

type fixture struct {
	core       *usecase.CoreUseCase
	uow        *faultUoW
	classifier *fakeClassifier
	publisher  *recordingPublisher
	accountID  int64
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	ledger, err := memory.NewMutexLedger(append([]memory.Option{memory.WithLockTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)

	fx := &fixture{
		uow:        &faultUoW{inner: ledger},
		classifier: &fakeClassifier{category: domain.CategoryFood},
		publisher:  &recordingPublisher{},
	}
	clock := &stepClock{}
	fx.core = usecase.NewCoreUseCase(fx.uow,
		usecase.NewCategoryResolver(fx.classifier, 50*time.Millisecond),
		usecase.WithPasswordHasher(fakeHasher{}),
		usecase.WithEventPublisher(fx.publisher),
		usecase.WithClock(clock.Now),
	)
	account, err := fx.core.OpenAccount(context.Background(), usecase.OpenAccountRequest{
		Email: "Owner@Example.com", Username: "owner", Password: "secret",
	})
	require.NoError(t, err)
	fx.accountID = account.ID
	fx.uow.calls.Store(0)
	return fx
}

func (fx *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	account, err := fx.core.GetAccount(context.Background(), fx.accountID)
	require.NoError(t, err)
	return account.Balance
}

func (fx *fixture) entries(t *testing.T) []domain.LedgerEntry {
	t.Helper()
	entries, err := fx.core.ListEntries(context.Background(), fx.accountID, domain.EntryFilter{Limit: domain.MaxPageSize})
	require.NoError(t, err)
	return entries
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDepositAndWithdraw(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	account, err := fx.core.Deposit(ctx, fx.accountID, dec("10"))
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(dec("10")))
	assert.Empty(t, account.PasswordHash)

	_, err = fx.core.Withdraw(ctx, fx.accountID, dec("10.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, fx.balance(t).Equal(dec("10")))

	account, err = fx.core.Withdraw(ctx, fx.accountID, dec("10"))
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())

	entries := fx.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.KindExpense, entries[0].Kind)
	assert.Equal(t, domain.CategoryOther, entries[0].Category)
	assert.Equal(t, "withdrawal", entries[0].Description)
	assert.Equal(t, "deposit", entries[1].Description)
	assert.Zero(t, fx.classifier.calls.Load())
}

func TestInvalidInputNeverTouchesStore(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	food := domain.CategoryFood

	cases := []struct {
		name string
		req  usecase.RecordTransactionRequest
		want error
	}{
		{"zero amount", usecase.RecordTransactionRequest{AccountID: fx.accountID, Amount: decimal.Zero, Kind: domain.KindIncome, Description: "x"}, domain.ErrInvalidAmount},
		{"negative amount", usecase.RecordTransactionRequest{AccountID: fx.accountID, Amount: dec("-1"), Kind: domain.KindIncome, Description: "x"}, domain.ErrInvalidAmount},
		{"more than four decimals", usecase.RecordTransactionRequest{AccountID: fx.accountID, Amount: dec("0.00001"), Kind: domain.KindIncome, Description: "x"}, domain.ErrInvalidAmount},
		{"blank description", usecase.RecordTransactionRequest{AccountID: fx.accountID, Amount: dec("1"), Kind: domain.KindIncome, Description: "  \t"}, domain.ErrInvalidDescription},
		{"unknown kind", usecase.RecordTransactionRequest{AccountID: fx.accountID, Amount: dec("1"), Kind: domain.Kind(9), Description: "x", Category: &food}, domain.ErrInvalidKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.core.RecordTransaction(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	_, err := fx.core.Deposit(ctx, fx.accountID, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = fx.core.Withdraw(ctx, fx.accountID, dec("0.00005"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	assert.Zero(t, fx.uow.calls.Load())
	assert.Zero(t, fx.classifier.calls.Load())
}

func TestRecordTransactionCategory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	transport := domain.CategoryTransport

	entry, err := fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("3"), Kind: domain.KindIncome,
		Description: "refund", Category: &transport,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTransport, entry.Category)
	assert.Zero(t, fx.classifier.calls.Load())

	entry, err = fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("1.5"), Kind: domain.KindExpense,
		Description: "  lunch at cafe ",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryFood, entry.Category)
	assert.Equal(t, "lunch at cafe", entry.Description)
	assert.Equal(t, int32(1), fx.classifier.calls.Load())
	assert.True(t, fx.balance(t).Equal(dec("1.5")))

	bad := domain.Category(42)
	_, err = fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("1"), Kind: domain.KindIncome, Description: "x", Category: &bad,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
}

func TestClassifierFailureLeavesStateUnchanged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.core.Deposit(ctx, fx.accountID, dec("20"))
	require.NoError(t, err)

	fx.classifier.err = errors.New("connection refused")
	_, err = fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("5"), Kind: domain.KindExpense, Description: "groceries",
	})
	assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
	assert.False(t, domain.IsRetryable(err))
	assert.True(t, fx.balance(t).Equal(dec("20")))
	assert.Len(t, fx.entries(t), 1)
}

func TestClassifierTimeout(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.core.Deposit(ctx, fx.accountID, dec("20"))
	require.NoError(t, err)

	fx.classifier.block = true
	_, err = fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("5"), Kind: domain.KindExpense, Description: "taxi",
	})
	assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.True(t, fx.balance(t).Equal(dec("20")))
}

func TestConcurrentDepositsConverge(t *testing.T) {
	fx := newFixture(t)
	// 拿到鎖之後刻意停一下，放大競爭窗口
	fx.uow.getDelay = time.Millisecond

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.core.Deposit(context.Background(), fx.accountID, dec("1.10"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	fx.uow.getDelay = 0
	assert.True(t, fx.balance(t).Equal(dec("44")), "balance %s", fx.balance(t))
	assert.Len(t, fx.entries(t), n)

	audit, err := fx.core.AuditBalance(context.Background(), fx.accountID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.core.Deposit(context.Background(), fx.accountID, dec("10"))
	require.NoError(t, err)
	fx.uow.getDelay = time.Millisecond

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.core.Withdraw(context.Background(), fx.accountID, dec("1"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), insufficient.Load())
	assert.True(t, fx.balance(t).IsZero())
}

func TestFailureInjectionRollsBack(t *testing.T) {
	boom := errors.New("disk full")
	cases := []struct {
		name   string
		inject func(*faultUoW)
	}{
		{"save", func(f *faultUoW) { f.failSave = boom }},
		{"append", func(f *faultUoW) { f.failAppend = boom }},
		{"commit", func(f *faultUoW) { f.failCommit = boom }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			_, err := fx.core.Deposit(context.Background(), fx.accountID, dec("5"))
			require.NoError(t, err)

			tc.inject(fx.uow)
			_, err = fx.core.Deposit(context.Background(), fx.accountID, dec("7"))
			assert.ErrorIs(t, err, boom)

			fx.uow.failSave, fx.uow.failAppend, fx.uow.failCommit = nil, nil, nil
			assert.True(t, fx.balance(t).Equal(dec("5")))
			assert.Len(t, fx.entries(t), 1)
			// 只發布成功提交的那一筆
			assert.Len(t, fx.publisher.events, 1)
		})
	}
}

func TestIdempotentRequestID(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := usecase.RecordTransactionRequest{
		AccountID: fx.accountID, Amount: dec("9.99"), Kind: domain.KindIncome,
		Description: "invoice #12", RequestID: uuid.New(),
	}

	first, err := fx.core.RecordTransaction(ctx, req)
	require.NoError(t, err)
	second, err := fx.core.RecordTransaction(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, fx.balance(t).Equal(dec("9.99")))
	assert.Len(t, fx.entries(t), 1)
	assert.Equal(t, int32(1), fx.classifier.calls.Load())
	assert.Len(t, fx.publisher.events, 1)
}

func TestCanceledContextDoesNotCommit(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.core.Deposit(ctx, fx.accountID, dec("1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, fx.balance(t).IsZero())
}

func TestAccountNotFound(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.core.Deposit(context.Background(), fx.accountID+100, dec("1"))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = fx.core.ListEntries(context.Background(), fx.accountID+100, domain.EntryFilter{})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestPublishFailureDoesNotFailTransaction(t *testing.T) {
	fx := newFixture(t)
	fx.publisher.err = errors.New("broker down")

	account, err := fx.core.Deposit(context.Background(), fx.accountID, dec("2"))
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(dec("2")))
	require.Len(t, fx.publisher.events, 1)
	assert.True(t, fx.publisher.events[0].Balance.Equal(dec("2")))
}

func TestOpenAccountAndVerifyPassword(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.core.OpenAccount(ctx, usecase.OpenAccountRequest{Email: "owner@example.com", Username: "dup", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrAccountAlreadyExists)

	account, err := fx.core.GetAccount(ctx, fx.accountID)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", account.Email)
	assert.Empty(t, account.PasswordHash)
	assert.True(t, account.Balance.IsZero())

	ok, err := fx.core.VerifyPassword(ctx, fx.accountID, "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = fx.core.VerifyPassword(ctx, fx.accountID, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeactivateAccount(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.core.Deposit(ctx, fx.accountID, dec("5"))
	require.NoError(t, err)

	account, err := fx.core.DeactivateAccount(ctx, fx.accountID)
	require.NoError(t, err)
	assert.False(t, account.Active)
	assert.Empty(t, account.PasswordHash)
	assert.True(t, account.Balance.Equal(dec("5")))

	again, err := fx.core.DeactivateAccount(ctx, fx.accountID)
	require.NoError(t, err)
	assert.Equal(t, account.UpdatedAt, again.UpdatedAt)

	got, err := fx.core.GetAccount(ctx, fx.accountID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Len(t, fx.entries(t), 1)

	_, err = fx.core.DeactivateAccount(ctx, fx.accountID+100)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestListEntriesAndSummary(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	food, salary := domain.CategoryFood, domain.CategorySalary

	post := func(amount string, kind domain.Kind, category *domain.Category) domain.LedgerEntry {
		entry, err := fx.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
			AccountID: fx.accountID, Amount: dec(amount), Kind: kind, Description: "item", Category: category,
		})
		require.NoError(t, err)
		return entry
	}
	e1 := post("100", domain.KindIncome, &salary)
	e2 := post("12.5", domain.KindExpense, &food)
	e3 := post("7.5", domain.KindExpense, &food)

	expenses, err := fx.core.ListEntries(ctx, fx.accountID, domain.EntryFilter{Kind: domain.KindExpense})
	require.NoError(t, err)
	require.Len(t, expenses, 2)
	assert.Equal(t, e3.ID, expenses[0].ID)
	assert.Equal(t, e2.ID, expenses[1].ID)

	_, err = fx.core.ListEntries(ctx, fx.accountID, domain.EntryFilter{Limit: domain.MaxPageSize + 1})
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)

	// [e1, e3) 不含 e3
	totals, err := fx.core.Summary(ctx, fx.accountID, domain.Period{From: e1.CreatedAt, To: e3.CreatedAt})
	require.NoError(t, err)
	assert.True(t, totals[domain.CategorySalary].Equal(dec("100")))
	assert.True(t, totals[domain.CategoryFood].Equal(dec("12.5")))

	_, err = fx.core.Summary(ctx, fx.accountID, domain.Period{From: e3.CreatedAt, To: e1.CreatedAt})
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)

	audit, err := fx.core.AuditBalance(ctx, fx.accountID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.True(t, audit.Balance.Equal(dec("80")))
	assert.True(t, audit.Expense.Equal(dec("20")))
}
