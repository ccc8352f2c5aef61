package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。クリーンアップも同じプロセスで動かす。
	CommandServe Command = "serve"
	// CommandWorker はクリーンアップのみを動かす。
	CommandWorker Command = "worker"
	// CommandMigrate はマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を叩く。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
	// CommandTail はビュー定義のコレクションをサーバー越しに開き、状態変化をログに出し続ける。
	CommandTail Command = "tail"
)

// commands は第1引数として受け付けるサブコマンド名。
var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
	string(CommandTail):        CommandTail,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) > 0 {
		if cmd, ok := commands[args[0]]; ok {
			return cmd
		}
	}
	return CommandServe
}

// NeedsDatabase はサブコマンドがサーバー設定（DB接続を含む）を読み込むかを返す。
// healthcheckとtailはHTTP越しにサーバーへ接続するだけなので読み込まない。
func (c Command) NeedsDatabase() bool {
	switch c {
	case CommandHealthcheck, CommandTail:
		return false
	default:
		return true
	}
}
