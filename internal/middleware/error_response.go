package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/portfolio/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// UIはerrorCodeをローカライズされた文言に変換する。
type ErrorResponseBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		ErrorCode: apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternalError,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
