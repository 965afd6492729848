package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-fin-ledger/pkg/wal"
)

// requestKey 冪等鍵索引
type requestKey struct {
	accountID int64
	requestID uuid.UUID
}

// walRecord 一個 unit of work 提交的內容，整筆寫入 WAL 一行
type walRecord struct {
	Accounts []domain.AccountSnapshot `json:"accounts"`
	Entries  []domain.LedgerEntry     `json:"entries"`
}

// MutexLedger 是一個在記憶體中實作 UnitOfWork 的帳本
//
// 結構:
//
//	accounts/entries: 已提交的資料，由 mu 保護
//	locks: 每個帳戶一把 semaphore，作為 EXCLUSIVE 鎖，可以帶 context 等待
//	wal: Write-Ahead Log 實例，提交前先落地
type MutexLedger struct {
	mu       sync.RWMutex
	accounts map[int64]*domain.Account
	emails   map[string]int64
	entries  []domain.LedgerEntry
	requests map[requestKey]int

	nextAccountID atomic.Int64
	nextEntryID   atomic.Int64

	locksMu sync.Mutex
	locks   map[int64]*semaphore.Weighted

	lockTimeout time.Duration
	// Write-Ahead Logging
	wal    *wal.WAL
	logger *zap.Logger
}

// Option 設定 MutexLedger
type Option func(*MutexLedger)

// WithWAL 啟用 WAL，NewMutexLedger 時會先從 WAL 恢復
func WithWAL(w *wal.WAL) Option {
	return func(m *MutexLedger) {
		m.wal = w
	}
}

// WithLockTimeout 設定等待 EXCLUSIVE 鎖的上限
func WithLockTimeout(d time.Duration) Option {
	return func(m *MutexLedger) {
		m.lockTimeout = d
	}
}

// WithLogger 設定 logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *MutexLedger) {
		m.logger = logger
	}
}

// NewMutexLedger 建立一個新的 MutexLedger 實例
//
// 回傳:
//
//	*MutexLedger: MutexLedger 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewMutexLedger(opts ...Option) (*MutexLedger, error) {
	ledger := &MutexLedger{
		accounts: make(map[int64]*domain.Account),
		emails:   make(map[string]int64),
		requests: make(map[requestKey]int),
		locks:    make(map[int64]*semaphore.Weighted),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	if ledger.wal != nil {
		if err := ledger.recoverFromWAL(); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 只有 NewMutexLedger 呼叫，無需 Lock (單執行緒)
func (m *MutexLedger) recoverFromWAL() error {
	var records int
	err := m.wal.ReadAll(func(jsonRaw []byte) error {
		var rec walRecord
		if err := json.Unmarshal(jsonRaw, &rec); err != nil {
			return fmt.Errorf("decode wal record %d: %w", records+1, err)
		}
		m.apply(rec)
		records++
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("ledger recovered from wal",
		zap.Int("records", records),
		zap.Int("accounts", len(m.accounts)),
		zap.Int("entries", len(m.entries)),
	)
	return nil
}

// apply 把一筆提交內容套用到記憶體 (呼叫端負責持有 mu)
func (m *MutexLedger) apply(rec walRecord) {
	for _, snap := range rec.Accounts {
		m.accounts[snap.ID] = domain.RestoreAccount(snap)
		if snap.Email != "" {
			m.emails[snap.Email] = snap.ID
		}
		if snap.ID > m.nextAccountID.Load() {
			m.nextAccountID.Store(snap.ID)
		}
	}
	for _, entry := range rec.Entries {
		m.entries = append(m.entries, entry)
		if entry.RequestID != uuid.Nil {
			m.requests[requestKey{entry.AccountID, entry.RequestID}] = len(m.entries) - 1
		}
		if entry.ID > m.nextEntryID.Load() {
			m.nextEntryID.Store(entry.ID)
		}
	}
}

// Do 執行一個 unit of work
//
// fn 內的寫入先暫存在 tx，fn 成功才一次寫入 WAL 並套用；
// 不論結果如何，期間取得的帳戶鎖都會在返回前釋放
func (m *MutexLedger) Do(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	tx := newTx(m)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

// commit 提交暫存的帳戶與交易
func (m *MutexLedger) commit(ctx context.Context, tx *memTx) error {
	// 呼叫端已斷線就不提交
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tx.order) == 0 && len(tx.entries) == 0 {
		return nil
	}

	rec := walRecord{
		Accounts: make([]domain.AccountSnapshot, 0, len(tx.order)),
		Entries:  tx.entries,
	}
	for _, id := range tx.order {
		rec.Accounts = append(rec.Accounts, tx.accounts[id].Snapshot())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range rec.Accounts {
		if snap.Email == "" {
			continue
		}
		if owner, ok := m.emails[snap.Email]; ok && owner != snap.ID {
			return domain.ErrAccountAlreadyExists
		}
	}

	// 1. 寫入 WAL (Critical Path)
	if m.wal != nil {
		if err := m.wal.Write(rec); err != nil {
			m.logger.Error("wal write failed", zap.Error(err))
			return fmt.Errorf("%w: %v", domain.ErrWALWriteFailed, err)
		}
	}

	// 2. 套用到記憶體
	m.apply(rec)
	return nil
}

// accountLock 取得帳戶對應的鎖，不存在就建立
// 帳戶不會被刪除，鎖與帳戶同生命週期，locks 的大小上限即帳戶數
func (m *MutexLedger) accountLock(accountID int64) *semaphore.Weighted {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	sem, ok := m.locks[accountID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.locks[accountID] = sem
	}
	return sem
}

// committedAccount 讀取已提交的帳戶複本
func (m *MutexLedger) committedAccount(accountID int64) (*domain.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, false
	}
	return account.Clone(), true
}

// accountEntries 已提交的某帳戶交易 (新到舊)
func (m *MutexLedger) accountEntries(accountID int64, match func(domain.LedgerEntry) bool) []domain.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, entry := range m.entries {
		if entry.AccountID == accountID && match(entry) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// query 已提交資料的分頁查詢
func (m *MutexLedger) query(accountID int64, filter domain.EntryFilter) []domain.LedgerEntry {
	matched := m.accountEntries(accountID, filter.Match)
	if filter.Offset >= len(matched) {
		return []domain.LedgerEntry{}
	}
	end := len(matched)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end]
}

func (m *MutexLedger) aggregate(accountID int64, period domain.Period) map[domain.Category]decimal.Decimal {
	totals := make(map[domain.Category]decimal.Decimal)
	for _, entry := range m.accountEntries(accountID, func(e domain.LedgerEntry) bool { return period.Contains(e.CreatedAt) }) {
		totals[entry.Category] = totals[entry.Category].Add(entry.Amount)
	}
	return totals
}

func (m *MutexLedger) total(accountID int64, kind domain.Kind) decimal.Decimal {
	sum := decimal.Zero
	for _, entry := range m.accountEntries(accountID, func(e domain.LedgerEntry) bool { return e.Kind == kind }) {
		sum = sum.Add(entry.Amount)
	}
	return sum
}

var _ usecase.UnitOfWork = (*MutexLedger)(nil)
