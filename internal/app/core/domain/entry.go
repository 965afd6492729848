package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntry 交易紀錄 (append-only，寫入後不可修改)
//
// Amount 永遠為正數，方向由 Kind 決定
type LedgerEntry struct {
	// ID: 由儲存層在 Append 時分配，0 表示尚未持久化
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Category    Category        `json:"category"`
	Description string          `json:"description"`
	// RequestID: 呼叫端提供的冪等鍵，uuid.Nil 表示未提供
	RequestID uuid.UUID `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLedgerEntry 建立一筆尚未持久化的交易紀錄，CreatedAt 於建構時決定
func NewLedgerEntry(accountID int64, amount decimal.Decimal, kind Kind, category Category, description string, now time.Time) *LedgerEntry {
	return &LedgerEntry{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Category:    category,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
	}
}

// Validate 檢查寫入前的不變條件
func (e *LedgerEntry) Validate() error {
	if err := CheckAmount(e.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(e.Description) == "" {
		return ErrInvalidDescription
	}
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if !e.Category.Valid() {
		return ErrInvalidCategory
	}
	return nil
}

// SignedAmount 帶號金額：收入為正，支出為負
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	if e.Kind == KindExpense {
		return e.Amount.Neg()
	}
	return e.Amount
}

// EntryRecorded 交易提交後發布的事件
type EntryRecorded struct {
	EntryID    int64           `json:"entry_id"`
	AccountID  int64           `json:"account_id"`
	Kind       Kind            `json:"kind"`
	Category   Category        `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	RequestID  uuid.UUID       `json:"request_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEntryRecorded 由已提交的交易與帳戶快照組出事件
func NewEntryRecorded(entry LedgerEntry, account AccountSnapshot) EntryRecorded {
	return EntryRecorded{
		EntryID:    entry.ID,
		AccountID:  entry.AccountID,
		Kind:       entry.Kind,
		Category:   entry.Category,
		Amount:     entry.Amount,
		Balance:    account.Balance,
		RequestID:  entry.RequestID,
		OccurredAt: entry.CreatedAt,
	}
}
