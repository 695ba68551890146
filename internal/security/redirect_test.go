package security

import "testing"

func TestSafeRedirectPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/", "/"},
		{"/admin", "/admin"},
		{"/admin/products?tab=1#top", "/admin/products?tab=1#top"},
		{"", "/"},
		{"admin", "/"},
		{"https://evil.example.com", "/"},
		{"//evil.example.com", "/"},
		{"/\\evil.example.com", "/"},
		{"/admin\r\nSet-Cookie: x=y", "/"},
		{"javascript:alert(1)", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SafeRedirectPath(tt.input); got != tt.want {
				t.Errorf("SafeRedirectPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
