package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

const (
	depositDescription    = "deposit"
	withdrawalDescription = "withdrawal"
)

// CoreUseCase 是核心業務邏輯層
//
// 所有改變餘額的操作都走同一條路徑：
// 鎖帳戶 -> 決定分類 -> 變更餘額 -> 建立並驗證交易 -> 同一個 unit of work 內寫入帳戶與交易
type CoreUseCase struct {
	uow       UnitOfWork
	resolver  *CategoryResolver
	hasher    PasswordHasher
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option 設定 CoreUseCase 的選項
type Option func(*CoreUseCase)

// WithLogger 設定 logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *CoreUseCase) {
		c.logger = logger
	}
}

// WithPasswordHasher 設定密碼雜湊實作 (OpenAccount 需要)
func WithPasswordHasher(hasher PasswordHasher) Option {
	return func(c *CoreUseCase) {
		c.hasher = hasher
	}
}

// WithEventPublisher 設定提交後的事件發布
func WithEventPublisher(publisher EventPublisher) Option {
	return func(c *CoreUseCase) {
		c.publisher = publisher
	}
}

// WithClock 替換時間來源 (測試用)
func WithClock(now func() time.Time) Option {
	return func(c *CoreUseCase) {
		c.now = now
	}
}

func NewCoreUseCase(uow UnitOfWork, resolver *CategoryResolver, opts ...Option) *CoreUseCase {
	if resolver == nil {
		resolver = NewCategoryResolver(nil, 0)
	}
	c := &CoreUseCase{
		uow:      uow,
		resolver: resolver,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordTransactionRequest 一般交易請求
type RecordTransactionRequest struct {
	AccountID   int64
	Amount      decimal.Decimal
	Kind        domain.Kind
	Description string
	// Category: nil 時交給分類服務
	Category *domain.Category
	// RequestID: 冪等鍵，重送同一個 RequestID 不會重複記帳
	RequestID uuid.UUID
}

// OpenAccountRequest 開戶請求
type OpenAccountRequest struct {
	Email    string
	Username string
	Password string
}

// mutation 內部統一的記帳請求
type mutation struct {
	accountID   int64
	amount      decimal.Decimal
	kind        domain.Kind
	description string
	category    *domain.Category
	requestID   uuid.UUID
}

// Deposit 存款，固定分類 OTHER
func (c *CoreUseCase) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) (domain.AccountSnapshot, error) {
	category := domain.CategoryOther
	_, snapshot, err := c.post(ctx, mutation{
		accountID:   accountID,
		amount:      amount,
		kind:        domain.KindIncome,
		description: depositDescription,
		category:    &category,
	})
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return snapshot.Public(), nil
}

// Withdraw 提款，固定分類 OTHER，餘額可以剛好扣到 0
func (c *CoreUseCase) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) (domain.AccountSnapshot, error) {
	category := domain.CategoryOther
	_, snapshot, err := c.post(ctx, mutation{
		accountID:   accountID,
		amount:      amount,
		kind:        domain.KindExpense,
		description: withdrawalDescription,
		category:    &category,
	})
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return snapshot.Public(), nil
}

// RecordTransaction 記錄一筆收入或支出，未指定分類時呼叫分類服務
//
// 注意: 沒有 RequestID 時重試會重複記帳
func (c *CoreUseCase) RecordTransaction(ctx context.Context, req RecordTransactionRequest) (domain.LedgerEntry, error) {
	entry, _, err := c.post(ctx, mutation{
		accountID:   req.AccountID,
		amount:      req.Amount,
		kind:        req.Kind,
		description: req.Description,
		category:    req.Category,
		requestID:   req.RequestID,
	})
	return entry, err
}

// post 執行記帳狀態機，任何一步失敗整個 unit of work 回滾
func (c *CoreUseCase) post(ctx context.Context, m mutation) (domain.LedgerEntry, domain.AccountSnapshot, error) {
	// 碰到任何儲存之前先擋掉不合法的輸入
	if err := domain.CheckAmount(m.amount); err != nil {
		return domain.LedgerEntry{}, domain.AccountSnapshot{}, err
	}
	if !m.kind.Valid() {
		return domain.LedgerEntry{}, domain.AccountSnapshot{}, domain.ErrInvalidKind
	}
	if strings.TrimSpace(m.description) == "" {
		return domain.LedgerEntry{}, domain.AccountSnapshot{}, domain.ErrInvalidDescription
	}

	var (
		entry    domain.LedgerEntry
		snapshot domain.AccountSnapshot
		replayed bool
	)
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		// 1. 取得帳戶悲觀鎖
		account, err := repos.Accounts().Get(ctx, m.accountID, LockExclusive)
		if err != nil {
			return err
		}

		// 已處理過的 RequestID 直接回傳原紀錄
		if m.requestID != uuid.Nil {
			existing, err := repos.Entries().FindByRequestID(ctx, m.accountID, m.requestID)
			if err != nil {
				return err
			}
			if existing != nil {
				entry = *existing
				snapshot = account.Snapshot()
				replayed = true
				return nil
			}
		}

		// 2. 決定分類 (可能等待外部服務)
		category, err := c.resolver.Resolve(ctx, m.category, m.description)
		if err != nil {
			return err
		}

		// 3. 變更記憶體中的餘額
		if err := account.Apply(m.kind, m.amount); err != nil {
			return err
		}

		// 4. 建立並驗證交易
		now := c.now()
		newEntry := domain.NewLedgerEntry(account.ID, m.amount, m.kind, category, m.description, now)
		newEntry.RequestID = m.requestID
		if err := newEntry.Validate(); err != nil {
			return err
		}

		// 5. 同一個 unit of work 內寫入
		account.UpdatedAt = now
		if err := repos.Accounts().Save(ctx, account); err != nil {
			return fmt.Errorf("save account %d: %w", account.ID, err)
		}
		if err := repos.Entries().Append(ctx, newEntry); err != nil {
			return fmt.Errorf("append entry for account %d: %w", account.ID, err)
		}

		entry = *newEntry
		snapshot = account.Snapshot()
		return nil
	})
	if err != nil {
		c.logFailure(ctx, "post transaction failed", err,
			zap.Int64("account_id", m.accountID),
			zap.Stringer("kind", m.kind),
			zap.String("amount", m.amount.String()),
		)
		return domain.LedgerEntry{}, domain.AccountSnapshot{}, err
	}

	if replayed {
		c.logger.Info("duplicate request replayed",
			zap.Int64("account_id", m.accountID),
			zap.Stringer("request_id", m.requestID),
			zap.Int64("entry_id", entry.ID),
		)
		return entry, snapshot, nil
	}

	c.publish(ctx, entry, snapshot)
	return entry, snapshot, nil
}

// publish 交易已提交，發布失敗只記 log
func (c *CoreUseCase) publish(ctx context.Context, entry domain.LedgerEntry, snapshot domain.AccountSnapshot) {
	if c.publisher == nil {
		return
	}
	event := domain.NewEntryRecorded(entry, snapshot)
	if err := c.publisher.PublishEntryRecorded(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Error("publish entry recorded failed",
			zap.Int64("account_id", entry.AccountID),
			zap.Int64("entry_id", entry.ID),
			zap.Error(err),
		)
	}
}

// OpenAccount 開戶，餘額從 0 開始
func (c *CoreUseCase) OpenAccount(ctx context.Context, req OpenAccountRequest) (domain.AccountSnapshot, error) {
	if c.hasher == nil {
		return domain.AccountSnapshot{}, errors.New("password hasher is not configured")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || strings.TrimSpace(req.Username) == "" {
		return domain.AccountSnapshot{}, errors.New("email and username are required")
	}

	hash, err := c.hasher.Hash(ctx, req.Password)
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("hash password: %w", err)
	}

	var snapshot domain.AccountSnapshot
	err = c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		existing, err := repos.Accounts().GetByEmail(ctx, email)
		if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
			return err
		}
		if existing != nil {
			return domain.ErrAccountAlreadyExists
		}
		account := domain.NewAccount(email, strings.TrimSpace(req.Username), hash, c.now())
		if err := repos.Accounts().Save(ctx, account); err != nil {
			return err
		}
		snapshot = account.Snapshot()
		return nil
	})
	if err != nil {
		c.logFailure(ctx, "open account failed", err, zap.String("email", email))
		return domain.AccountSnapshot{}, err
	}
	c.logger.Info("account opened", zap.Int64("account_id", snapshot.ID))
	return snapshot.Public(), nil
}

// DeactivateAccount 停用帳戶，餘額與交易紀錄保留，重複停用不會出錯
func (c *CoreUseCase) DeactivateAccount(ctx context.Context, accountID int64) (domain.AccountSnapshot, error) {
	var snapshot domain.AccountSnapshot
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		account, err := repos.Accounts().Get(ctx, accountID, LockExclusive)
		if err != nil {
			return err
		}
		if account.Active() {
			account.Deactivate(c.now())
			if err := repos.Accounts().Save(ctx, account); err != nil {
				return err
			}
		}
		snapshot = account.Snapshot()
		return nil
	})
	if err != nil {
		c.logFailure(ctx, "deactivate account failed", err, zap.Int64("account_id", accountID))
		return domain.AccountSnapshot{}, err
	}
	c.logger.Info("account deactivated", zap.Int64("account_id", accountID))
	return snapshot.Public(), nil
}

// VerifyPassword 驗證密碼
func (c *CoreUseCase) VerifyPassword(ctx context.Context, accountID int64, password string) (bool, error) {
	if c.hasher == nil {
		return false, errors.New("password hasher is not configured")
	}
	var hash string
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		account, err := repos.Accounts().Get(ctx, accountID, LockNone)
		if err != nil {
			return err
		}
		hash = account.PasswordHash
		return nil
	})
	if err != nil {
		return false, err
	}
	return c.hasher.Verify(ctx, password, hash)
}

// GetAccount 取得帳戶快照 (不上鎖)
func (c *CoreUseCase) GetAccount(ctx context.Context, accountID int64) (domain.AccountSnapshot, error) {
	var snapshot domain.AccountSnapshot
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		account, err := repos.Accounts().Get(ctx, accountID, LockNone)
		if err != nil {
			return err
		}
		snapshot = account.Snapshot()
		return nil
	})
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return snapshot.Public(), nil
}

// ListEntries 查詢交易紀錄，新到舊
func (c *CoreUseCase) ListEntries(ctx context.Context, accountID int64, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	var entries []domain.LedgerEntry
	err = c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		if _, err := repos.Accounts().Get(ctx, accountID, LockNone); err != nil {
			return err
		}
		entries, err = repos.Entries().Query(ctx, accountID, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary 區間內各分類的金額總和
func (c *CoreUseCase) Summary(ctx context.Context, accountID int64, period domain.Period) (map[domain.Category]decimal.Decimal, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	var totals map[domain.Category]decimal.Decimal
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		if _, err := repos.Accounts().Get(ctx, accountID, LockNone); err != nil {
			return err
		}
		var err error
		totals, err = repos.Entries().Aggregate(ctx, accountID, period)
		return err
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// AuditBalance 比對帳戶餘額與交易紀錄總和，餘額與總和在同一個 unit of work 內取得
func (c *CoreUseCase) AuditBalance(ctx context.Context, accountID int64) (domain.BalanceAudit, error) {
	var audit domain.BalanceAudit
	err := c.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		// 上鎖避免讀到一半有人記帳
		account, err := repos.Accounts().Get(ctx, accountID, LockExclusive)
		if err != nil {
			return err
		}
		income, err := repos.Entries().Total(ctx, accountID, domain.KindIncome)
		if err != nil {
			return err
		}
		expense, err := repos.Entries().Total(ctx, accountID, domain.KindExpense)
		if err != nil {
			return err
		}
		audit = domain.NewBalanceAudit(accountID, account.Balance(), income, expense)
		return nil
	})
	if err != nil {
		return domain.BalanceAudit{}, err
	}
	if !audit.Consistent {
		c.logger.Error("balance does not match ledger",
			zap.Int64("account_id", accountID),
			zap.String("balance", audit.Balance.String()),
			zap.String("income", audit.Income.String()),
			zap.String("expense", audit.Expense.String()),
		)
	}
	return audit, nil
}

// logFailure 業務錯誤記 Warn，其餘記 Error
func (c *CoreUseCase) logFailure(ctx context.Context, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if isBusinessError(err) || ctx.Err() != nil {
		c.logger.Warn(msg, fields...)
		return
	}
	c.logger.Error(msg, fields...)
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidAmount,
		domain.ErrInvalidDescription,
		domain.ErrInvalidKind,
		domain.ErrInvalidCategory,
		domain.ErrInsufficientFunds,
		domain.ErrAccountNotFound,
		domain.ErrAccountAlreadyExists,
		domain.ErrCategorizationUnavailable,
		domain.ErrTimeout,
		domain.ErrConcurrencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
