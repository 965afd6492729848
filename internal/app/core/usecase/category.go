package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

// CategoryResolver 決定交易分類：呼叫端指定優先，否則交給外部分類服務
type CategoryResolver struct {
	classifier Classifier
	timeout    time.Duration
}

// NewCategoryResolver 建立 CategoryResolver
//
// 參數:
//
//	classifier: 外部分類服務，可為 nil (此時只接受明確指定的分類)
//	timeout: 單次分類的逾時，<= 0 表示不另外限制
func NewCategoryResolver(classifier Classifier, timeout time.Duration) *CategoryResolver {
	return &CategoryResolver{
		classifier: classifier,
		timeout:    timeout,
	}
}

// Resolve 決定分類
//
// 分類服務失敗時回傳 ErrCategorizationUnavailable，逾時則同時包含 ErrTimeout，
// 不會默默改成 OTHER
func (r *CategoryResolver) Resolve(ctx context.Context, explicit *domain.Category, description string) (domain.Category, error) {
	if explicit != nil {
		if !explicit.Valid() {
			return 0, domain.ErrInvalidCategory
		}
		return *explicit, nil
	}
	if r.classifier == nil {
		return 0, fmt.Errorf("%w: no classifier configured", domain.ErrCategorizationUnavailable)
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	category, err := r.classifier.Classify(callCtx, description)
	if err != nil {
		// 呼叫端自己取消 (斷線) 不算分類服務故障
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %w: %v", domain.ErrCategorizationUnavailable, domain.ErrTimeout, err)
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrCategorizationUnavailable, err)
	}
	if !category.Valid() {
		return 0, fmt.Errorf("%w: classifier returned %v", domain.ErrCategorizationUnavailable, category)
	}
	return category, nil
}
