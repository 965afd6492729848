package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
)

// ServiceName 對外的 gRPC 服務名稱
// 所有方法的 request/response 都是 google.protobuf.Struct，欄位見各 handler
const ServiceName = "ledger.v1.LedgerService"

type GrpcServer struct {
	core   *usecase.CoreUseCase
	logger *zap.Logger
}

func NewGrpcServer(core *usecase.CoreUseCase, logger *zap.Logger) *GrpcServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrpcServer{
		core:   core,
		logger: logger,
	}
}

// Register 把服務掛到 gRPC server 上
func (s *GrpcServer) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&ServiceDesc, s)
}

type handlerFunc func(s *GrpcServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc 手寫的服務描述，不需要 protoc 產生的程式碼
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenAccount", (*GrpcServer).OpenAccount),
		unary("GetAccount", (*GrpcServer).GetAccount),
		unary("DeactivateAccount", (*GrpcServer).DeactivateAccount),
		unary("Deposit", (*GrpcServer).Deposit),
		unary("Withdraw", (*GrpcServer).Withdraw),
		unary("RecordTransaction", (*GrpcServer).RecordTransaction),
		unary("ListEntries", (*GrpcServer).ListEntries),
		unary("Summary", (*GrpcServer).Summary),
		unary("AuditBalance", (*GrpcServer).AuditBalance),
	},
	Metadata: "ledger/v1/ledger.proto",
}

// FullMethod 組出完整方法名稱，例如 /ledger.v1.LedgerService/Deposit
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(name string, call handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*GrpcServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// OpenAccount {email, username, password} -> account
func (s *GrpcServer) OpenAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	account, err := s.core.OpenAccount(ctx, usecase.OpenAccountRequest{
		Email:    r.str("email"),
		Username: r.str("username"),
		Password: r.str("password"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeAccount(account)
}

// GetAccount {account_id} -> account
func (s *GrpcServer) GetAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	account, err := s.core.GetAccount(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeAccount(account)
}

// DeactivateAccount {account_id} -> account
func (s *GrpcServer) DeactivateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	account, err := s.core.DeactivateAccount(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeAccount(account)
}

// Deposit {account_id, amount} -> account
func (s *GrpcServer) Deposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	amount, err := r.amount("amount")
	if err != nil {
		return nil, err
	}
	account, err := s.core.Deposit(ctx, accountID, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeAccount(account)
}

// Withdraw {account_id, amount} -> account
func (s *GrpcServer) Withdraw(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	amount, err := r.amount("amount")
	if err != nil {
		return nil, err
	}
	account, err := s.core.Withdraw(ctx, accountID, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeAccount(account)
}

// RecordTransaction {account_id, amount, kind, description, category?, request_id?} -> entry
func (s *GrpcServer) RecordTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	amount, err := r.amount("amount")
	if err != nil {
		return nil, err
	}
	kind, err := r.kind("kind")
	if err != nil {
		return nil, err
	}
	category, err := r.optionalCategory("category")
	if err != nil {
		return nil, err
	}
	requestID, err := r.requestID("request_id")
	if err != nil {
		return nil, err
	}

	entry, err := s.core.RecordTransaction(ctx, usecase.RecordTransactionRequest{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: r.str("description"),
		Category:    category,
		RequestID:   requestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeEntry(entry)
}

// ListEntries {account_id, kind?, category?, from?, to?, limit?, offset?} -> {entries: [...]}
func (s *GrpcServer) ListEntries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	filter, err := r.filter()
	if err != nil {
		return nil, err
	}
	entries, err := s.core.ListEntries(ctx, accountID, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(entries))
	for _, entry := range entries {
		list = append(list, entryMap(entry))
	}
	return structpb.NewStruct(map[string]any{"entries": list})
}

// Summary {account_id, from?, to?} -> {totals: {category: amount}}
func (s *GrpcServer) Summary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	period, err := r.period()
	if err != nil {
		return nil, err
	}
	totals, err := s.core.Summary(ctx, accountID, period)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make(map[string]any, len(totals))
	for category, total := range totals {
		out[category.String()] = total.String()
	}
	return structpb.NewStruct(map[string]any{"totals": out})
}

// AuditBalance {account_id} -> {balance, income, expense, consistent}
func (s *GrpcServer) AuditBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := reader{req}
	accountID, err := r.integer("account_id")
	if err != nil {
		return nil, err
	}
	audit, err := s.core.AuditBalance(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"account_id": audit.AccountID,
		"balance":    audit.Balance.String(),
		"income":     audit.Income.String(),
		"expense":    audit.Expense.String(),
		"consistent": audit.Consistent,
	})
}

// toStatus domain 錯誤對應到 gRPC 狀態碼
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidDescription),
		errors.Is(err, domain.ErrInvalidCategory),
		errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, domain.ErrInvalidFilter):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrInsufficientFunds):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrAccountNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrAccountAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, domain.ErrCategorizationUnavailable):
		code = codes.Unavailable
	case errors.Is(err, domain.ErrConcurrencyConflict):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
