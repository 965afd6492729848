package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/JoeShih716/go-fin-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-fin-ledger/internal/app/core/usecase"
)

// defaultKeywords 沒有設定外部分類服務時使用的關鍵字表
var defaultKeywords = map[domain.Category][]string{
	domain.CategoryFood:          {"food", "lunch", "dinner", "breakfast", "restaurant", "cafe", "coffee", "grocery", "groceries", "pizza", "supermarket"},
	domain.CategoryTransport:     {"taxi", "uber", "bus", "train", "metro", "subway", "fuel", "gas", "parking", "flight", "toll"},
	domain.CategoryEntertainment: {"movie", "cinema", "concert", "netflix", "spotify", "game", "games", "theater", "ticket"},
	domain.CategoryUtilities:     {"electricity", "water", "internet", "phone", "rent", "utility", "utilities", "bill"},
	domain.CategoryHealth:        {"doctor", "pharmacy", "hospital", "dentist", "medicine", "gym", "clinic", "insurance"},
	domain.CategorySalary:        {"salary", "payroll", "wage", "wages", "paycheck", "bonus"},
	domain.CategoryFreelance:     {"freelance", "invoice", "client", "contract", "consulting", "gig"},
}

// KeywordClassifier 依描述中的關鍵字決定分類，比對不到就是 OTHER
type KeywordClassifier struct {
	index map[string]domain.Category
}

// NewKeywordClassifier 建立關鍵字分類器，extra 會覆蓋預設關鍵字
func NewKeywordClassifier(extra map[domain.Category][]string) *KeywordClassifier {
	k := &KeywordClassifier{index: make(map[string]domain.Category)}
	for _, category := range domain.Categories() {
		for _, word := range defaultKeywords[category] {
			k.index[word] = category
		}
	}
	for _, category := range domain.Categories() {
		for _, word := range extra[category] {
			k.index[strings.ToLower(word)] = category
		}
	}
	return k
}

// Classify 實作 usecase.Classifier，取描述中第一個命中的關鍵字
func (k *KeywordClassifier) Classify(ctx context.Context, description string) (domain.Category, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if category, ok := k.index[word]; ok {
			return category, nil
		}
	}
	return domain.CategoryOther, nil
}

var _ usecase.Classifier = (*KeywordClassifier)(nil)
