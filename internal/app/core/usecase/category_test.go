package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

type classifierFunc func(ctx context.Context, description string) (domain.Category, error)

func (f classifierFunc) Classify(ctx context.Context, description string) (domain.Category, error) {
	return f(ctx, description)
}

func TestResolveExplicitCategory(t *testing.T) {
	called := false
	r := NewCategoryResolver(classifierFunc(func(context.Context, string) (domain.Category, error) {
		called = true
		return domain.CategoryFood, nil
	}), time.Second)

	health := domain.CategoryHealth
	got, err := r.Resolve(context.Background(), &health, "pharmacy")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryHealth, got)

	invalid := domain.Category(0)
	_, err = r.Resolve(context.Background(), &invalid, "pharmacy")
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
	assert.False(t, called)
}

func TestResolveWithoutClassifier(t *testing.T) {
	_, err := NewCategoryResolver(nil, 0).Resolve(context.Background(), nil, "coffee")
	assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
	assert.NotErrorIs(t, err, domain.ErrTimeout)
}

func TestResolveClassifierErrors(t *testing.T) {
	blocking := classifierFunc(func(ctx context.Context, _ string) (domain.Category, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := NewCategoryResolver(blocking, 10*time.Millisecond).Resolve(context.Background(), nil, "bus")
		assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
		assert.ErrorIs(t, err, domain.ErrTimeout)
	})

	t.Run("caller canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		_, err := NewCategoryResolver(blocking, time.Second).Resolve(ctx, nil, "bus")
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, domain.ErrCategorizationUnavailable)
	})

	t.Run("failure", func(t *testing.T) {
		failing := classifierFunc(func(context.Context, string) (domain.Category, error) {
			return 0, errors.New("503")
		})
		_, err := NewCategoryResolver(failing, time.Second).Resolve(context.Background(), nil, "bus")
		assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
		assert.NotErrorIs(t, err, domain.ErrTimeout)
	})

	t.Run("out of range result", func(t *testing.T) {
		bogus := classifierFunc(func(context.Context, string) (domain.Category, error) {
			return domain.Category(99), nil
		})
		_, err := NewCategoryResolver(bogus, time.Second).Resolve(context.Background(), nil, "bus")
		assert.ErrorIs(t, err, domain.ErrCategorizationUnavailable)
	})
}
