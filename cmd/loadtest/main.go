package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	grpc_adapter "github.com/JoeShih716/go-fin-ledger/internal/app/core/adapter/in/grpc"
	pkggrpc "github.com/JoeShih716/go-fin-ledger/pkg/grpc"
	"github.com/JoeShih716/go-fin-ledger/pkg/logger"
)

func main() {
	target := flag.String("target", "localhost:50051", "ledger gRPC address")
	total := flag.Int("n", 10000, "number of deposits")
	concurrency := flag.Int("c", 200, "concurrent requests")
	amountFlag := flag.String("amount", "1.25", "amount per deposit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	zl, _, err := logger.New(logger.Config{Development: true, Level: "info"})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		zl.Fatal("invalid amount", zap.Error(err))
	}

	pool := pkggrpc.NewPool()
	defer pool.Close()
	conn, err := pool.GetConnection(*target)
	if err != nil {
		zl.Fatal("did not connect", zap.Error(err))
	}
	invoke := func(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
		in, err := structpb.NewStruct(req)
		if err != nil {
			return nil, err
		}
		out := &structpb.Struct{}
		if err := conn.Invoke(ctx, grpc_adapter.FullMethod(method), in, out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// 每次跑都開新帳戶，餘額從 0 開始
	account, err := invoke(ctx, "OpenAccount", map[string]any{
		"email":    fmt.Sprintf("loadtest-%s@example.com", uuid.NewString()),
		"username": "loadtest",
		"password": uuid.NewString(),
	})
	if err != nil {
		zl.Fatal("open account failed", zap.Error(err))
	}
	accountID := account["id"]

	var wg sync.WaitGroup
	var failed atomic.Int64
	sem := make(chan struct{}, *concurrency)
	start := time.Now()
	for i := 0; i < *total; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := invoke(ctx, "RecordTransaction", map[string]any{
				"account_id":  accountID,
				"amount":      amount.String(),
				"kind":        "income",
				"description": "loadtest deposit",
				"category":    "other",
				"request_id":  uuid.NewString(),
			})
			if err != nil {
				failed.Add(1)
				if idx%1000 == 0 {
					zl.Warn("deposit failed", zap.Int("idx", idx), zap.Error(err))
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	audit, err := invoke(ctx, "AuditBalance", map[string]any{"account_id": accountID})
	if err != nil {
		zl.Fatal("audit failed", zap.Error(err))
	}
	succeeded := int64(*total) - failed.Load()
	expected := amount.Mul(decimal.NewFromInt(succeeded))
	balance, _ := decimal.NewFromString(fmt.Sprint(audit["balance"]))

	zl.Info("load test finished",
		zap.Int("requests", *total),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("tps", float64(*total)/elapsed.Seconds()),
		zap.String("balance", balance.String()),
		zap.String("expected", expected.String()),
		zap.Any("consistent", audit["consistent"]),
	)
	if !balance.Equal(expected) || audit["consistent"] != true {
		zl.Fatal("balance mismatch")
	}
}
