package app

import "strings"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は公開APIと管理者向け審査APIを提供する。
	CommandServe Command = "serve"
	// CommandWorker は定期ジョブのオーケストレーターと運用エンドポイントを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIサーバーの /health を確認する。
	// distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[Command]bool{
	CommandServe:       true,
	CommandWorker:      true,
	CommandMigrate:     true,
	CommandHealthcheck: true,
}

// ParseCommand は先頭の引数からサブコマンドを決める。
// 大文字小文字は区別しない。空または未知の値はCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	cmd := Command(strings.ToLower(strings.TrimSpace(args[0])))
	if knownCommands[cmd] {
		return cmd
	}
	return CommandServe
}
