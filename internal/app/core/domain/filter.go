package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultPageSize 未指定 Limit 時的筆數
	DefaultPageSize = 50
	// MaxPageSize 單頁最大筆數
	MaxPageSize = 200
)

// Period 時間區間 [From, To)，零值表示不限制該端
type Period struct {
	From time.Time
	To   time.Time
}

// Validate 兩端都有值時 From 必須早於 To
func (p Period) Validate() error {
	if !p.From.IsZero() && !p.To.IsZero() && !p.From.Before(p.To) {
		return fmt.Errorf("%w: period start %s is not before end %s", ErrInvalidFilter, p.From, p.To)
	}
	return nil
}

// Contains 時間點是否落在區間內
func (p Period) Contains(t time.Time) bool {
	if !p.From.IsZero() && t.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && !t.Before(p.To) {
		return false
	}
	return true
}

// EntryFilter 查詢交易紀錄的條件，各條件為 AND，零值表示不限制
type EntryFilter struct {
	Kind     Kind
	Category Category
	Period   Period
	Limit    int
	Offset   int
}

// Normalize 檢查並補上預設值
func (f EntryFilter) Normalize() (EntryFilter, error) {
	if f.Kind != 0 && !f.Kind.Valid() {
		return f, fmt.Errorf("%w: %v", ErrInvalidFilter, ErrInvalidKind)
	}
	if f.Category != 0 && !f.Category.Valid() {
		return f, fmt.Errorf("%w: %v", ErrInvalidFilter, ErrInvalidCategory)
	}
	if err := f.Period.Validate(); err != nil {
		return f, err
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit < 1 || f.Limit > MaxPageSize {
		return f, fmt.Errorf("%w: limit %d out of range 1..%d", ErrInvalidFilter, f.Limit, MaxPageSize)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: negative offset %d", ErrInvalidFilter, f.Offset)
	}
	return f, nil
}

// Match 單筆交易是否符合條件 (不含分頁)
func (f EntryFilter) Match(e LedgerEntry) bool {
	if f.Kind != 0 && e.Kind != f.Kind {
		return false
	}
	if f.Category != 0 && e.Category != f.Category {
		return false
	}
	return f.Period.Contains(e.CreatedAt)
}

// BalanceAudit 餘額與交易紀錄總和的比對結果
type BalanceAudit struct {
	AccountID  int64           `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	Income     decimal.Decimal `json:"income"`
	Expense    decimal.Decimal `json:"expense"`
	Consistent bool            `json:"consistent"`
}

// NewBalanceAudit 比對 balance == income - expense
func NewBalanceAudit(accountID int64, balance, income, expense decimal.Decimal) BalanceAudit {
	return BalanceAudit{
		AccountID:  accountID,
		Balance:    balance,
		Income:     income,
		Expense:    expense,
		Consistent: balance.Equal(income.Sub(expense)),
	}
}
