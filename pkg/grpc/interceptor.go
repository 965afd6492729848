package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryClientLogger 記錄每一次 unary 呼叫的方法、耗時與狀態碼
// 成功記 Debug，失敗記 Warn
func UnaryClientLogger(logger *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		logCall(logger, "grpc client call", method, start, err)
		return err
	}
}

// UnaryServerLogger server 端的對應版本
func UnaryServerLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, "grpc server call", info.FullMethod, start, err)
		return resp, err
	}
}

func logCall(logger *zap.Logger, msg, method string, start time.Time, err error) {
	level := zapcore.DebugLevel
	if err != nil {
		level = zapcore.WarnLevel
	}
	if ce := logger.Check(level, msg); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.Duration("elapsed", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
			zap.Error(err),
		)
	}
}
