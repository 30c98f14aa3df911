package inspection

import (
	"fmt"
	"strings"
	"time"
)

// Tier はデバイスのOTP領域に記録された検査階層を表す
// 常にデバイスから読み出した値を使い、ローカルで推測しない
type Tier string

const (
	TierFresh   Tier = "fresh"   // 未検査
	TierTested1 Tier = "tested1" // 一次検査済み
	TierTested2 Tier = "tested2" // 二次検査済み（これ以上の検査はない）
)

// ParseTier はデバイスの応答から検査階層を解釈する
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFresh:
		return TierFresh, nil
	case TierTested1:
		return TierTested1, nil
	case TierTested2:
		return TierTested2, nil
	default:
		return "", fmt.Errorf("不明な検査階層: %q", raw)
	}
}

// Phase は検査オーケストレーターの状態を表す
type Phase string

const (
	PhaseAwaitingReady  Phase = "awaiting_ready"  // 準備完了イベント待ち
	PhaseReadingTier    Phase = "reading_tier"    // OTP階層の読み出し中
	PhaseRunningPlan    Phase = "running_plan"    // テスト計画の実行中
	PhaseAwaitingCommit Phase = "awaiting_commit" // OTP書き込み中
	PhaseCompleted      Phase = "completed"       // 検査サイクル終了
	PhaseAborted        Phase = "aborted"         // 中断（要オペレーター対応）
)

// PhaseChange はオーケストレーターの状態遷移イベント
// 外部の監視系に構造化イベントとして通知される
type PhaseChange struct {
	Serial string    // カメラのシリアル番号
	From   Phase     // 遷移前の状態
	To     Phase     // 遷移後の状態
	At     time.Time // 遷移時刻
}

// Outcome は1つのテスト手順の結果。生成後は変更しない
type Outcome struct {
	ID          string    // 結果の一意識別子
	Serial      string    // カメラのシリアル番号
	TestName    string    // テスト手順の名前
	RawResponse string    // デバイスの生の応答
	Passed      bool      // 合否
	Timestamp   time.Time // 記録時刻
}

// CommitRecord はOTP書き込みの記録
// 全手順合格の場合にのみ生成される。書き込みは不可逆
type CommitRecord struct {
	ID           string    // 記録の一意識別子
	Serial       string    // カメラのシリアル番号
	Tier         Tier      // 書き込まれた階層
	Confirmation string    // デバイスからの確認応答
	Timestamp    time.Time // 書き込み時刻
}

// Sink は検査結果の転送先インターフェース
// 永続化と再送はシンク側の責務で、オーケストレーターは送りっぱなしにする
type Sink interface {
	// RecordTestOutcome はテスト手順の結果を記録する
	RecordTestOutcome(outcome Outcome)

	// RecordOtpCommit はOTPコミット記録を記録する
	RecordOtpCommit(record CommitRecord)
}

// Status はオーケストレーターの現在の状態のコピー
type Status struct {
	Serial    string    // カメラのシリアル番号
	Phase     Phase     // 現在の状態
	Tier      Tier      // デバイスから読み出した階層（未読なら空）
	Outcomes  []Outcome // これまでに記録された結果
	Committed bool      // OTPコミットが行われたかどうか
	Stuck     bool      // 準備完了待ちが上限時間を超過したかどうか
	Alarm     bool      // OTP書き込み失敗の警報状態（手動クリアまで保持）
}
