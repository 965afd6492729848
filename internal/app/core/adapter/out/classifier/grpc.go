package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
	pkggrpc "github.com/JoeShih716/go-fin-ledger/pkg/grpc"
)

// CategorizeMethod 分類服務的 unary 方法
// request: google.protobuf.StringValue (交易描述)
// response: google.protobuf.StringValue (分類標籤，例如 "food")
const CategorizeMethod = "/categorizer.v1.Categorizer/Categorize"

// BreakerConfig 熔斷設定
type BreakerConfig struct {
	// MaxFailures: 連續失敗幾次後打開
	MaxFailures uint32
	// OpenTimeout: 打開後多久進入 half-open
	OpenTimeout time.Duration
}

// GRPCClassifier 透過 gRPC 呼叫外部分類服務，外層包一個 circuit breaker
type GRPCClassifier struct {
	pool    *pkggrpc.Pool
	target  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGRPCClassifier 建立分類服務 client
//
// 參數:
//
//	pool: 共用的 gRPC 連線池
//	target: 分類服務地址
//	breaker: 熔斷設定，零值使用預設 (5 次 / 30 秒)
//	logger: 記錄熔斷狀態變化
func NewGRPCClassifier(pool *pkggrpc.Pool, target string, breaker BreakerConfig, logger *zap.Logger) *GRPCClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker.MaxFailures == 0 {
		breaker.MaxFailures = 5
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = 30 * time.Second
	}
	c := &GRPCClassifier{
		pool:   pool,
		target: target,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Timeout:     breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		// 呼叫端自己取消不算服務故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
		},
	})
	return c
}

// Classify 實作 usecase.Classifier
func (c *GRPCClassifier) Classify(ctx context.Context, description string) (domain.Category, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		conn, err := c.pool.GetConnection(c.target)
		if err != nil {
			return nil, err
		}
		out := &wrapperspb.StringValue{}
		if err := conn.Invoke(ctx, CategorizeMethod, wrapperspb.String(description), out); err != nil {
			return nil, err
		}
		category, err := domain.ParseCategory(out.GetValue())
		if err != nil {
			return nil, fmt.Errorf("classifier returned %q: %w", out.GetValue(), err)
		}
		return category, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return 0, fmt.Errorf("classifier circuit open: %w", err)
		case status.Code(err) == codes.DeadlineExceeded:
			return 0, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		case status.Code(err) == codes.Canceled:
			return 0, fmt.Errorf("%w: %v", context.Canceled, err)
		}
		return 0, err
	}
	return result.(domain.Category), nil
}

// State 目前熔斷狀態
func (c *GRPCClassifier) State() gobreaker.State {
	return c.breaker.State()
}

var _ usecase.Classifier = (*GRPCClassifier)(nil)
