package security

import (
	"net/url"
	"strings"
)

// DefaultRedirectPath はログイン後のリダイレクト先が無効な場合の既定値。
const DefaultRedirectPath = "/"

// SafeRedirectPath はログイン後のリダイレクト先として安全な相対パスを返す。
// "/" で始まる同一オリジンのパスのみ許可し、"//host" や "/\host" のような
// スキーム相対URL、制御文字を含む値は既定値に置き換える。
func SafeRedirectPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return DefaultRedirectPath
	}
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return DefaultRedirectPath
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return DefaultRedirectPath
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return DefaultRedirectPath
	}
	return raw
}
