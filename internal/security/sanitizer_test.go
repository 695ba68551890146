package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNameSanitizer_Sanitize(t *testing.T) {
	s := NewNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキスト", "Jane Doe", "Jane Doe"},
		{"タグ除去", "<b>Jane</b> <script>alert(1)</script>Doe", "Jane Doe"},
		{"空白の正規化", "  Jane \n\t Doe  ", "Jane Doe"},
		{"エンティティの復元", "Tom &amp; Jerry", "Tom & Jerry"},
		{"タイ語", "สมชาย ใจดี", "สมชาย ใจดี"},
		{"空文字", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNameSanitizer_Truncates(t *testing.T) {
	s := NewNameSanitizer()

	got := s.Sanitize(strings.Repeat("あ", MaxDisplayNameLength+10))
	if n := utf8.RuneCountInString(got); n != MaxDisplayNameLength {
		t.Errorf("length = %d, want %d", n, MaxDisplayNameLength)
	}
}
