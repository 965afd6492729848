package domain

import "errors"

var (
	// ErrInvalidAmount 金額必須為正數且最多 4 位小數
	ErrInvalidAmount = errors.New("amount must be positive with at most 4 decimal places")

	// ErrInvalidDescription 交易描述不可為空白
	ErrInvalidDescription = errors.New("description must not be blank")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountAlreadyExists 帳戶已存在 (email 重複)
	ErrAccountAlreadyExists = errors.New("account already exists")

	// ErrCategorizationUnavailable 分類服務失敗或逾時
	ErrCategorizationUnavailable = errors.New("categorization unavailable")

	// ErrTimeout 取得鎖或分類結果逾時，可重試
	ErrTimeout = errors.New("operation timed out")

	// ErrConcurrencyConflict 樂觀鎖版本衝突，可重試
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidCategory 不在列舉內的分類
	ErrInvalidCategory = errors.New("invalid category")

	// ErrInvalidKind 不在列舉內的交易方向
	ErrInvalidKind = errors.New("invalid kind")

	// ErrInvalidFilter 查詢條件不合法
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrWALWriteFailed 寫入 WAL 失敗
	ErrWALWriteFailed = errors.New("wal write failed")
)

// IsRetryable 回傳該錯誤是否可由呼叫端原封不動重試
// 只有鎖等待/分類逾時與版本衝突屬於暫時性錯誤，驗證類錯誤重試也不會成功
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConcurrencyConflict)
}
