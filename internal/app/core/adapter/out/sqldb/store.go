package sqldb

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-fin-ledger/pkg/database"
)

// MySQL 錯誤碼
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Store 以 GORM 實作 UnitOfWork
//
// 每個 Do 對應一個資料庫交易，LockExclusive 讀取使用 SELECT ... FOR UPDATE，
// 鎖由資料庫持有到 commit/rollback
//
// sqlite 不支援 FOR UPDATE，改由 gate 讓交易一次只跑一個，
// 等待 gate 同樣受 lockTimeout 限制
type Store struct {
	db          *gorm.DB
	gate        *semaphore.Weighted
	lockTimeout time.Duration
	logger      *zap.Logger
}

// Option 設定 Store
type Option func(*Store)

// WithLockTimeout 設定等待 row lock 的上限 (另外由 innodb_lock_wait_timeout 在資料庫端限制)
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// WithLogger 設定 logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(client *database.Client, opts ...Option) *Store {
	s := &Store{
		db:     client.DB(),
		logger: zap.NewNop(),
	}
	if client.Driver() == database.DriverSQLite {
		s.gate = semaphore.NewWeighted(1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate 建立 users 與 transactions 表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sqlUser{}, &sqlTransaction{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Do 在一個資料庫交易內執行 fn，fn 回傳 nil 且 ctx 未取消時 commit
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	if s.gate != nil {
		if err := s.enter(ctx); err != nil {
			return err
		}
		defer s.gate.Release(1)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(ctx, &sqlTx{db: tx, store: s}); err != nil {
			return err
		}
		// 呼叫端已斷線就不提交
		return ctx.Err()
	})
	if err != nil {
		err = translateError(ctx, err)
		s.logger.Debug("transaction rolled back", zap.Error(err))
		return err
	}
	return nil
}

// enter 取得 gate，逾時回傳 domain.ErrTimeout，呼叫端取消時保留 context.Canceled
func (s *Store) enter(ctx context.Context) error {
	waitCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	if err := s.gate.Acquire(waitCtx, 1); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: wait for transaction: %v", domain.ErrTimeout, err)
	}
	return nil
}

type sqlTx struct {
	db    *gorm.DB
	store *Store
}

func (tx *sqlTx) Accounts() usecase.AccountRepository { return accountRepo{tx} }
func (tx *sqlTx) Entries() usecase.EntryRepository    { return entryRepo{tx} }

// translateError 把 driver/GORM 錯誤轉成 domain 錯誤
func translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout:
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		case errDeadlock:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}

type accountRepo struct{ tx *sqlTx }

func (r accountRepo) Get(ctx context.Context, accountID int64, mode usecase.LockMode) (*domain.Account, error) {
	query := r.tx.db.WithContext(ctx)
	if mode == usecase.LockExclusive {
		if timeout := r.tx.store.lockTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		// 取得鎖定帳號 悲觀鎖
		query = r.tx.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var users []sqlUser
	if err := query.Where("id = ?", accountID).Limit(1).Find(&users).Error; err != nil {
		return nil, translateError(ctx, err)
	}
	if len(users) == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return users[0].toDomain(), nil
}

func (r accountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var users []sqlUser
	if err := r.tx.db.WithContext(ctx).Where("email = ?", email).Limit(1).Find(&users).Error; err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return users[0].toDomain(), nil
}

func (r accountRepo) Save(ctx context.Context, account *domain.Account) error {
	row, err := toSQLUser(account)
	if err != nil {
		return err
	}
	db := r.tx.db.WithContext(ctx)
	if account.ID == 0 {
		if err := db.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAccountAlreadyExists
			}
			return err
		}
		account.ID = row.ID
		return nil
	}
	return db.Model(&sqlUser{}).Where("id = ?", account.ID).Updates(map[string]any{
		"username":      row.Username,
		"password_hash": row.PasswordHash,
		"balance":       row.Balance,
		"is_active":     row.IsActive,
		"updated_at":    row.UpdatedAt,
	}).Error
}

type entryRepo struct{ tx *sqlTx }

func (r entryRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	var count int64
	db := r.tx.db.WithContext(ctx)
	if err := db.Model(&sqlUser{}).Where("id = ?", entry.AccountID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrAccountNotFound
	}

	row, err := toSQLTransaction(entry)
	if err != nil {
		return err
	}
	if err := db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: request %s already recorded", domain.ErrConcurrencyConflict, entry.RequestID)
		}
		return err
	}
	entry.ID = row.ID
	return nil
}

func (r entryRepo) FindByRequestID(ctx context.Context, accountID int64, requestID uuid.UUID) (*domain.LedgerEntry, error) {
	var rows []sqlTransaction
	err := r.tx.db.WithContext(ctx).
		Where("user_id = ? AND request_id = ?", accountID, requestID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	entry, err := rows[0].toDomain()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// scoped 共用的帳戶 + 時間區間條件
func (r entryRepo) scoped(ctx context.Context, accountID int64, period domain.Period) *gorm.DB {
	db := r.tx.db.WithContext(ctx).Model(&sqlTransaction{}).Where("user_id = ?", accountID)
	if !period.From.IsZero() {
		db = db.Where("created_at >= ?", period.From.UTC())
	}
	if !period.To.IsZero() {
		db = db.Where("created_at < ?", period.To.UTC())
	}
	return db
}

func (r entryRepo) Query(ctx context.Context, accountID int64, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	db := r.scoped(ctx, accountID, filter.Period)
	if filter.Kind != 0 {
		db = db.Where("type = ?", filter.Kind.String())
	}
	if filter.Category != 0 {
		db = db.Where("category = ?", filter.Category.String())
	}
	if filter.Limit > 0 {
		db = db.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		db = db.Offset(filter.Offset)
	}

	var rows []sqlTransaction
	if err := db.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r entryRepo) Aggregate(ctx context.Context, accountID int64, period domain.Period) (map[domain.Category]decimal.Decimal, error) {
	var rows []struct {
		Category string
		Total    minorUnits
	}
	err := r.scoped(ctx, accountID, period).
		Select("category, COALESCE(SUM(amount), 0) AS total").
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[domain.Category]decimal.Decimal, len(rows))
	for _, row := range rows {
		category, err := domain.ParseCategory(row.Category)
		if err != nil {
			return nil, err
		}
		totals[category] = row.Total.Decimal()
	}
	return totals, nil
}

func (r entryRepo) Total(ctx context.Context, accountID int64, kind domain.Kind) (decimal.Decimal, error) {
	var total minorUnits
	err := r.scoped(ctx, accountID, domain.Period{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("type = ?", kind.String()).
		Row().
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Decimal(), nil
}

var (
	_ usecase.UnitOfWork        = (*Store)(nil)
	_ usecase.Repositories      = (*sqlTx)(nil)
	_ usecase.AccountRepository = accountRepo{}
	_ usecase.EntryRepository   = entryRepo{}
)
