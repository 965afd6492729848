package grpc

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
)

// maxSafeInteger float64 能精確表示的最大整數 (2^53)
const maxSafeInteger = 1 << 53

// reader 從 structpb.Struct 取欄位，格式錯誤一律回 InvalidArgument
type reader struct {
	s *structpb.Struct
}

func (r reader) value(key string) (*structpb.Value, bool) {
	v, ok := r.s.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func (r reader) str(key string) string {
	v, ok := r.value(key)
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func (r reader) integer(key string) (int64, error) {
	v, ok := r.value(key)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
	if math.Abs(n.NumberValue) > maxSafeInteger {
		return 0, status.Errorf(codes.InvalidArgument, "%s is out of range", key)
	}
	return int64(n.NumberValue), nil
}

func (r reader) optionalInt(key string) (int, error) {
	if _, ok := r.value(key); !ok {
		return 0, nil
	}
	n, err := r.integer(key)
	return int(n), err
}

// amount 金額建議以字串傳遞 ("12.50")，避免浮點誤差
func (r reader) amount(key string) (decimal.Decimal, error) {
	v, ok := r.value(key)
	if !ok {
		return decimal.Zero, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := decimal.NewFromString(kind.StringValue)
		if err != nil {
			return decimal.Zero, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(kind.NumberValue), nil
	default:
		return decimal.Zero, status.Errorf(codes.InvalidArgument, "%s must be a decimal string", key)
	}
}

func (r reader) kind(key string) (domain.Kind, error) {
	kind, err := domain.ParseKind(r.str(key))
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return kind, nil
}

func (r reader) optionalCategory(key string) (*domain.Category, error) {
	label := r.str(key)
	if label == "" {
		return nil, nil
	}
	category, err := domain.ParseCategory(label)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &category, nil
}

func (r reader) requestID(key string) (uuid.UUID, error) {
	raw := r.str(key)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", key, err)
	}
	return id, nil
}

func (r reader) timestamp(key string) (time.Time, error) {
	raw := r.str(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", key, err)
	}
	return t.UTC(), nil
}

func (r reader) period() (domain.Period, error) {
	from, err := r.timestamp("from")
	if err != nil {
		return domain.Period{}, err
	}
	to, err := r.timestamp("to")
	if err != nil {
		return domain.Period{}, err
	}
	return domain.Period{From: from, To: to}, nil
}

func (r reader) filter() (domain.EntryFilter, error) {
	var f domain.EntryFilter
	var err error
	if label := r.str("kind"); label != "" {
		if f.Kind, err = r.kind("kind"); err != nil {
			return f, err
		}
	}
	category, err := r.optionalCategory("category")
	if err != nil {
		return f, err
	}
	if category != nil {
		f.Category = *category
	}
	if f.Period, err = r.period(); err != nil {
		return f, err
	}
	if f.Limit, err = r.optionalInt("limit"); err != nil {
		return f, err
	}
	if f.Offset, err = r.optionalInt("offset"); err != nil {
		return f, err
	}
	return f, nil
}

func encodeAccount(a domain.AccountSnapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":         a.ID,
		"email":      a.Email,
		"username":   a.Username,
		"balance":    a.Balance.String(),
		"active":     a.Active,
		"created_at": a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": a.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func entryMap(e domain.LedgerEntry) map[string]any {
	m := map[string]any{
		"id":          e.ID,
		"account_id":  e.AccountID,
		"amount":      e.Amount.String(),
		"kind":        e.Kind.String(),
		"category":    e.Category.String(),
		"description": e.Description,
		"created_at":  e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.RequestID != uuid.Nil {
		m["request_id"] = e.RequestID.String()
	}
	return m
}

func encodeEntry(e domain.LedgerEntry) (*structpb.Struct, error) {
	return structpb.NewStruct(entryMap(e))
}
