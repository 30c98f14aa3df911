package device

import (
	"fmt"
	"strings"
)

// Command はカメラに発行する操作の名前
type Command string

const (
	CmdTierQuery     Command = "tier_query"      // OTP階層の読み出し
	CmdOtpWriteTier1 Command = "otp_write_tier1" // OTP階層1の書き込み
	CmdOtpWriteTier2 Command = "otp_write_tier2" // OTP階層2の書き込み
	CmdTestLED       Command = "test_led"        // LEDテスト
	CmdTestIRLED     Command = "test_irled"      // 赤外線LEDテスト
	CmdTestIRCUT     Command = "test_ircut"      // IRカットフィルタテスト
	CmdTestSpeaker   Command = "test_speaker"    // スピーカーテスト
	CmdKeepAlive     Command = "keep_alive"      // キープアライブ（ヘルスチェック用）
)

// Reply はデバイスからの応答を表す
type Reply struct {
	Raw string // 生の応答行
	OK  bool   // デバイスが成功を報告したかどうか
}

// Codec はコマンド名とデバイス固有のワイヤ形式を相互変換するインターフェース
// 実機のフレーミングが変わった場合はこの実装だけを差し替える
type Codec interface {
	// Encode はコマンドをデバイスに送る1行に変換する
	Encode(cmd Command, args ...string) (string, error)

	// Decode は応答行を解釈する
	// 解釈できない応答はErrProtocolを返す
	Decode(cmd Command, line string) (Reply, error)
}

// defaultCodec は量産検査対象カメラのコマンドテーブルを持つ実装
type defaultCodec struct{}

// NewCodec はデフォルトのコーデックを作成する
func NewCodec() Codec {
	return &defaultCodec{}
}

// コマンドテーブル（実機のシェルコマンド）
var commandTable = map[Command]string{
	CmdTierQuery:     "otp_read tier",
	CmdOtpWriteTier1: "otp_write tier 1",
	CmdOtpWriteTier2: "otp_write tier 2",
	CmdTestLED:       "echo 1 > /sys/devices/platform/soc/18820000.pwm/settings/pwm1/enable",
	CmdTestIRLED:     "echo 1 > /sys/devices/platform/soc/18820000.pwm/settings/pwm3/enable",
	CmdTestIRCUT:     "./sbin/control_gpio.sh ircut 1",
	CmdTestSpeaker:   "aplay -D hw:0,1 /overlay/test_saudio.wav",
	CmdKeepAlive:     "echo",
}

// Encode はコマンドをデバイスに送る1行に変換する
func (c *defaultCodec) Encode(cmd Command, args ...string) (string, error) {
	line, ok := commandTable[cmd]
	if !ok {
		return "", fmt.Errorf("未知のコマンド: %s", cmd)
	}

	if len(args) > 0 {
		line = line + " " + strings.Join(args, " ")
	}

	return line, nil
}

// Decode は応答行を解釈する
// OK接頭辞は成功、FAIL/ERR接頭辞は失敗、それ以外はプロトコルエラー
func (c *defaultCodec) Decode(cmd Command, line string) (Reply, error) {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "OK"):
		return Reply{Raw: trimmed, OK: true}, nil
	case strings.HasPrefix(upper, "FAIL"), strings.HasPrefix(upper, "ERR"):
		return Reply{Raw: trimmed, OK: false}, nil
	case cmd == CmdTierQuery && trimmed != "":
		// 階層クエリは階層名そのものを返す（fresh/tested1/tested2）
		return Reply{Raw: trimmed, OK: true}, nil
	case cmd == CmdKeepAlive:
		// キープアライブは空応答でも成功扱い
		return Reply{Raw: trimmed, OK: true}, nil
	default:
		return Reply{Raw: trimmed}, fmt.Errorf("%w: %q", ErrProtocol, trimmed)
	}
}
