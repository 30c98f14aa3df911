package session

import (
	"errors"
	"time"
)

// State はセッションの接続状態を表す
type State string

const (
	StateDisconnected  State = "disconnected"  // 未接続
	StateConnecting    State = "connecting"    // 接続試行中
	StateAuthenticated State = "authenticated" // ログイン完了、イベント購読前
	StateIdle          State = "idle"          // コマンド受付可能
	StateBusy          State = "busy"          // コマンド実行中
	StateFailed        State = "failed"        // 障害発生、再接続待ち
)

// Identity はカメラの不変の識別情報
type Identity struct {
	Serial string // シリアル番号
	Host   string // ネットワークアドレス（ホスト部）
}

// StateChange はセッションの状態遷移イベント
// 外部の監視系に構造化イベントとして通知される
type StateChange struct {
	Serial string    // カメラのシリアル番号
	From   State     // 遷移前の状態
	To     State     // 遷移後の状態
	At     time.Time // 遷移時刻
}

// Snapshot はセッションの現在の状態のコピー
type Snapshot struct {
	Serial              string    // シリアル番号
	Host                string    // ネットワークアドレス
	State               State     // 接続状態
	Ready               bool      // 準備完了フラグ
	ConsecutiveFailures int       // ヘルスチェックの連続失敗回数
	FailureCount        int       // 接続失敗の累積回数
	LastHealthCheck     time.Time // 最後のヘルスチェック時刻
	Terminal            bool      // 回復不能として打ち切られたかどうか
}

// エラー種別
var (
	// ErrNotIdle はIdle以外の状態でのコマンド実行を表す
	ErrNotIdle = errors.New("セッションがコマンドを受け付けられる状態ではありません")

	// ErrUnrecoverable は失敗上限超過による回復不能なセッションを表す
	ErrUnrecoverable = errors.New("セッションは回復不能です")

	// ErrCommandTimeout はコマンドのタイムアウトを表す
	// 実行有無が不明なため、呼び出し側は結果を不定として扱う
	ErrCommandTimeout = errors.New("コマンドがタイムアウトしました（実行有無は不明）")

	// ErrNotFound は未登録のカメラへの操作を表す
	ErrNotFound = errors.New("カメラが登録されていません")
)
