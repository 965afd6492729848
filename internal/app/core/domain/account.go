package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale 金額最多到小數第 4 位，儲存層以 10^-4 為最小單位
const AmountScale = 4

// CheckAmount 金額必須為正數，且小數位數不超過 AmountScale
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(AmountScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// Account 使用者帳戶 (餘額持有者)
//
// balance 不對外開放直接設定，只能透過 Credit/Debit 變更，
// 確保餘額永遠等於所有已提交 LedgerEntry 的帶號金額總和。
type Account struct {
	// ID: 由儲存層在第一次 Save 時分配，0 表示尚未持久化
	ID           int64
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	balance      decimal.Decimal
	active       bool
}

// AccountSnapshot 帳戶的唯讀快照，回傳給呼叫端或交給儲存層序列化
type AccountSnapshot struct {
	ID           int64           `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"password_hash,omitempty"`
	Balance      decimal.Decimal `json:"balance"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewAccount 建立一個尚未持久化、餘額為 0 的帳戶
func NewAccount(email, username, passwordHash string, now time.Time) *Account {
	return &Account{
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		balance:      decimal.Zero,
		active:       true,
	}
}

// RestoreAccount 由儲存層資料重建帳戶 (只給 Repository 使用)
func RestoreAccount(s AccountSnapshot) *Account {
	return &Account{
		ID:           s.ID,
		Email:        s.Email,
		Username:     s.Username,
		PasswordHash: s.PasswordHash,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		balance:      s.Balance,
		active:       s.Active,
	}
}

// Balance 目前餘額
func (a *Account) Balance() decimal.Decimal {
	return a.balance
}

// Active 帳戶是否啟用
func (a *Account) Active() bool {
	return a.active
}

// Deactivate 停用帳戶，已停用時不變
func (a *Account) Deactivate(now time.Time) {
	if !a.active {
		return
	}
	a.active = false
	a.UpdatedAt = now
}

// Credit 入帳
//
// 參數:
//
//	amount: 必須大於 0，最多 AmountScale 位小數
//
// 回傳:
//
//	error: ErrInvalidAmount
func (a *Account) Credit(amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	a.balance = a.balance.Add(amount)
	return nil
}

// Debit 扣款，允許扣到剛好為 0
//
// 參數:
//
//	amount: 必須大於 0，最多 AmountScale 位小數
//
// 回傳:
//
//	error: ErrInvalidAmount / ErrInsufficientFunds
func (a *Account) Debit(amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(a.balance) {
		return ErrInsufficientFunds
	}
	a.balance = a.balance.Sub(amount)
	return nil
}

// Apply 依交易方向入帳或扣款
func (a *Account) Apply(kind Kind, amount decimal.Decimal) error {
	switch kind {
	case KindIncome:
		return a.Credit(amount)
	case KindExpense:
		return a.Debit(amount)
	default:
		return ErrInvalidKind
	}
}

// Snapshot 取得目前狀態的複本
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		ID:           a.ID,
		Email:        a.Email,
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Balance:      a.balance,
		Active:       a.active,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// Clone 深拷貝，給儲存層隔離交易中的暫存狀態
func (a *Account) Clone() *Account {
	return RestoreAccount(a.Snapshot())
}

// Public 去掉密碼雜湊的快照，用於回傳給外部
func (s AccountSnapshot) Public() AccountSnapshot {
	s.PasswordHash = ""
	return s
}
