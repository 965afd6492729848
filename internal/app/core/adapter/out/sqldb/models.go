package sqldb

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

var (
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
	minMinorUnits = decimal.NewFromInt(math.MinInt64)
)

// minorUnits 金額以 10^-AmountScale 為單位的整數
// 整數欄位在 mysql 與 sqlite 上的 SUM 都是精確值 (sqlite 的 decimal 欄位會被存成 REAL)
type minorUnits int64

func toMinorUnits(d decimal.Decimal) (minorUnits, error) {
	shifted := d.Shift(domain.AmountScale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, d)
	}
	if shifted.GreaterThan(maxMinorUnits) || shifted.LessThan(minMinorUnits) {
		return 0, fmt.Errorf("%w: %s out of storage range", domain.ErrInvalidAmount, d)
	}
	return minorUnits(shifted.IntPart()), nil
}

func (m minorUnits) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -domain.AmountScale)
}

// sqlUser 對應資料庫的 users 表
type sqlUser struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	Email        string     `gorm:"size:255;not null;uniqueIndex"`
	Username     string     `gorm:"size:100;not null"`
	PasswordHash string     `gorm:"size:255;not null"`
	Balance      minorUnits `gorm:"type:bigint;not null"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true"`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

func (*sqlUser) TableName() string {
	return "users"
}

// sqlTransaction 對應資料庫的 transactions 表
// (user_id, request_id) 唯一，request_id 為 NULL 時不受限制
type sqlTransaction struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	UserID      int64      `gorm:"not null;index:idx_transactions_user_created,priority:1;uniqueIndex:idx_transactions_request,priority:1"`
	Amount      minorUnits `gorm:"type:bigint;not null"`
	Type        string     `gorm:"size:16;not null"`
	Category    string     `gorm:"size:32;not null"`
	Description string     `gorm:"size:500;not null"`
	RequestID   *string    `gorm:"column:request_id;size:36;uniqueIndex:idx_transactions_request,priority:2"`
	CreatedAt   time.Time  `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

func toSQLUser(a *domain.Account) (sqlUser, error) {
	balance, err := toMinorUnits(a.Balance())
	if err != nil {
		return sqlUser{}, fmt.Errorf("account %d balance: %w", a.ID, err)
	}
	return sqlUser{
		ID:           a.ID,
		Email:        a.Email,
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Balance:      balance,
		IsActive:     a.Active(),
		CreatedAt:    a.CreatedAt.UTC(),
		UpdatedAt:    a.UpdatedAt.UTC(),
	}, nil
}

func (u sqlUser) toDomain() *domain.Account {
	return domain.RestoreAccount(domain.AccountSnapshot{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Balance:      u.Balance.Decimal(),
		Active:       u.IsActive,
		CreatedAt:    u.CreatedAt.UTC(),
		UpdatedAt:    u.UpdatedAt.UTC(),
	})
}

func toSQLTransaction(e *domain.LedgerEntry) (sqlTransaction, error) {
	amount, err := toMinorUnits(e.Amount)
	if err != nil {
		return sqlTransaction{}, fmt.Errorf("entry amount: %w", err)
	}
	row := sqlTransaction{
		ID:          e.ID,
		UserID:      e.AccountID,
		Amount:      amount,
		Type:        e.Kind.String(),
		Category:    e.Category.String(),
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
	}
	if e.RequestID != uuid.Nil {
		id := e.RequestID.String()
		row.RequestID = &id
	}
	return row, nil
}

func (t sqlTransaction) toDomain() (domain.LedgerEntry, error) {
	kind, err := domain.ParseKind(t.Type)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	category, err := domain.ParseCategory(t.Category)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	entry := domain.LedgerEntry{
		ID:          t.ID,
		AccountID:   t.UserID,
		Amount:      t.Amount.Decimal(),
		Kind:        kind,
		Category:    category,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.UTC(),
	}
	if t.RequestID != nil {
		if entry.RequestID, err = uuid.Parse(*t.RequestID); err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("transaction %d request id: %w", t.ID, err)
		}
	}
	return entry, nil
}
