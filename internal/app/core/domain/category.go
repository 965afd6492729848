package domain

import (
	"fmt"
	"strings"
)

// Kind 交易方向
// 與 TransactionType 一樣使用 uint8，0 保留為「未指定」
type Kind uint8

const (
	// 收入 (入帳)
	KindIncome Kind = 1
	// 支出 (扣款)
	KindExpense Kind = 2
)

var kindNames = map[Kind]string{
	KindIncome:  "income",
	KindExpense: "expense",
}

// Valid 是否為列舉內的值
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind 不分大小寫解析 "income" / "expense"
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, ErrInvalidKind
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Category 交易分類 (封閉列舉)
type Category uint8

const (
	CategoryFood Category = iota + 1
	CategoryTransport
	CategoryEntertainment
	CategoryUtilities
	CategoryHealth
	CategorySalary
	CategoryFreelance
	CategoryOther
)

var categoryNames = map[Category]string{
	CategoryFood:          "food",
	CategoryTransport:     "transport",
	CategoryEntertainment: "entertainment",
	CategoryUtilities:     "utilities",
	CategoryHealth:        "health",
	CategorySalary:        "salary",
	CategoryFreelance:     "freelance",
	CategoryOther:         "other",
}

// Categories 回傳所有分類 (依列舉順序)
func Categories() []Category {
	out := make([]Category, 0, len(categoryNames))
	for c := CategoryFood; c <= CategoryOther; c++ {
		out = append(out, c)
	}
	return out
}

// Valid 是否為列舉內的值
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// ParseCategory 不分大小寫解析分類名稱，列舉外的字串一律拒絕
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrInvalidCategory
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
