package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数。
const MaxDisplayNameLength = 255

// NameSanitizer はIdPや登録フォームから受け取った表示名を正規化する。
// マークアップを全て除去し、空白を詰め、最大長で切り詰める。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は表示名からタグを除去したプレーンテキストを返す。
func (s *NameSanitizer) Sanitize(name string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(name))
	cleaned := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(cleaned) > MaxDisplayNameLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:MaxDisplayNameLength])
	}
	return cleaned
}
