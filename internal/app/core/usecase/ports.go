package usecase

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

// LockMode 讀取帳戶時的鎖定模式
type LockMode uint8

const (
	// LockNone 一般讀取，不阻擋其他人
	LockNone LockMode = iota
	// LockExclusive 悲觀鎖 (SELECT ... FOR UPDATE)，持有到 unit of work 結束
	LockExclusive
)

// AccountRepository 帳戶儲存介面
type AccountRepository interface {
	// Get 取得帳戶，不存在時回傳 domain.ErrAccountNotFound
	// LockExclusive 在競爭時會阻塞，逾時回傳 domain.ErrTimeout
	Get(ctx context.Context, accountID int64, mode LockMode) (*domain.Account, error)
	// GetByEmail 依 email 取得帳戶
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	// Save 寫入目前狀態，第一次 Save 時分配 ID
	Save(ctx context.Context, account *domain.Account) error
}

// EntryRepository 交易紀錄儲存介面 (append-only)
type EntryRepository interface {
	// Append 寫入並分配 ID，必須與對應帳戶的 Save 在同一個 unit of work
	Append(ctx context.Context, entry *domain.LedgerEntry) error
	// FindByRequestID 依冪等鍵取得已寫入的交易，不存在回傳 nil, nil
	FindByRequestID(ctx context.Context, accountID int64, requestID uuid.UUID) (*domain.LedgerEntry, error)
	// Query 依條件查詢，新到舊排序
	Query(ctx context.Context, accountID int64, filter domain.EntryFilter) ([]domain.LedgerEntry, error)
	// Aggregate 區間內各分類金額總和，只反映已提交資料
	Aggregate(ctx context.Context, accountID int64, period domain.Period) (map[domain.Category]decimal.Decimal, error)
	// Total 指定方向的金額總和 (對帳用)
	Total(ctx context.Context, accountID int64, kind domain.Kind) (decimal.Decimal, error)
}

// Repositories 綁定在同一個交易範圍內的 Repository 組合
type Repositories interface {
	Accounts() AccountRepository
	Entries() EntryRepository
}

// UnitOfWork 提供原子性的交易範圍
//
// fn 回傳 nil 時提交，回傳錯誤 (或 ctx 已取消) 時整批回滾，
// 並釋放期間取得的所有 EXCLUSIVE 鎖
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Classifier 外部分類服務 (AI categorizer)
type Classifier interface {
	Classify(ctx context.Context, description string) (domain.Category, error)
}

// PasswordHasher 密碼雜湊
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, hash string) (bool, error)
}

// EventPublisher 交易提交後的事件發布
type EventPublisher interface {
	PublishEntryRecorded(ctx context.Context, event domain.EntryRecorded) error
}
