package handler

import (
	"net/http"

	"github.com/hitoshi/portfolio/internal/middleware"
	"github.com/hitoshi/portfolio/internal/model"
)

// thaiIDNonceCookie はThaiIDのOIDC nonceを保持するCookieの名前。
const thaiIDNonceCookie = "thaid_nonce"

// cookieJar はアプリケーションが発行するCookieの共通属性を保持する。
// すべてHttpOnly・SameSite=Lax・Path=/で発行する。
type cookieJar struct {
	domain string
	secure bool
}

// set はCookieを設定する。
func (c cookieJar) set(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clear はCookieを即時失効させる（Max-Age=0）。
func (c cookieJar) clear(w http.ResponseWriter, name string) {
	c.set(w, name, "", -1)
}

// setSession はセッションCookieを設定する。
func (c cookieJar) setSession(w http.ResponseWriter, token string, maxAge int) {
	c.set(w, middleware.SessionCookieName, token, maxAge)
}

// clearSession はセッションCookieを削除する。
func (c cookieJar) clearSession(w http.ResponseWriter) {
	c.clear(w, middleware.SessionCookieName)
}

// sessionToken はリクエストのセッションCookieの値を返す。未設定の場合は空文字列。
func sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// transactionCookies はプロバイダーごとのOAuthトランザクションCookie名。
type transactionCookies struct {
	state    string
	verifier string
	redirect string
	nonce    string
}

func transactionCookieNames(p model.Provider) transactionCookies {
	prefix := "oauth_" + string(p) + "_"
	names := transactionCookies{
		state:    prefix + "state",
		verifier: prefix + "verifier",
		redirect: prefix + "redirect",
	}
	if p == model.ProviderThaiID {
		names.nonce = thaiIDNonceCookie
	}
	return names
}

// all は削除対象のCookie名を返す。
func (n transactionCookies) all() []string {
	names := []string{n.state, n.verifier, n.redirect}
	if n.nonce != "" {
		names = append(names, n.nonce)
	}
	return names
}
