package inspection

import "kenpin/internal/device"

// Step はテスト計画の1手順
type Step struct {
	Name    string         // 手順の名前
	Command device.Command // デバイスに発行するコマンド
}

// テスト計画は階層ごとに固定で、デバイス固有の差異はない
var fullPlan = []Step{
	{Name: "LED", Command: device.CmdTestLED},
	{Name: "IRLED", Command: device.CmdTestIRLED},
	{Name: "IRCUT", Command: device.CmdTestIRCUT},
	{Name: "Speaker", Command: device.CmdTestSpeaker},
}

// PlanFor は検査階層に対応するテスト計画を返す
// tested2は検査完了済みのため計画を持たない
func PlanFor(tier Tier) []Step {
	switch tier {
	case TierFresh, TierTested1:
		return fullPlan
	default:
		return nil
	}
}

// WriteCommandFor は検査階層に対応するOTP書き込みコマンドと
// 書き込み後の階層を返す
func WriteCommandFor(tier Tier) (device.Command, Tier, bool) {
	switch tier {
	case TierFresh:
		return device.CmdOtpWriteTier1, TierTested1, true
	case TierTested1:
		return device.CmdOtpWriteTier2, TierTested2, true
	default:
		return "", "", false
	}
}
