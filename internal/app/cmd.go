package app

import "strings"

// Command はportfolioバイナリのサブコマンドを表す。
type Command string

const (
	// CommandServe は認証APIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップワーカーを起動する。
	// Redisセッションストアの場合は何もせずに終了する。
	CommandWorker Command = "worker"
	// CommandMigrate はusers・identities・sessionsのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用で、設定の読み込みを行わない。
	CommandHealthcheck Command = "healthcheck"
)

// commandDescriptions は起動ログに出力する各サブコマンドの説明。
var commandDescriptions = map[Command]string{
	CommandServe:       "auth api server",
	CommandWorker:      "session cleanup worker",
	CommandMigrate:     "database migration",
	CommandHealthcheck: "health check",
}

// Description はサブコマンドの説明を返す。
func (c Command) Description() string {
	return commandDescriptions[c]
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 大文字小文字は区別しない。引数が空またはサポート外の場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	cmd := Command(strings.ToLower(strings.TrimSpace(args[0])))
	if _, ok := commandDescriptions[cmd]; ok {
		return cmd
	}
	return CommandServe
}
