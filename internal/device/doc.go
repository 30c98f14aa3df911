// Package device はカメラ実機とのコマンドチャンネル通信を担う
//
// # 責務
// - コマンドチャンネル（Telnet風の行指向プロトコル）の接続・切断
// - パスワードレスのログインハンドシェイク
// - タイムアウト付きのコマンド送受信
// - コマンド名とデバイス固有のワイヤ形式の相互変換（コーデック）
//
// # 仕様
// - 1つのTransportに対する同時Sendは許可しない（呼び出し側で直列化する）
// - Sendのタイムアウト時はコマンドの実行有無が不明なため、
//   呼び出し側はヘルスチェックを行ってから次の状態遷移を判断する
// - ワイヤ形式はCodecインターフェースの背後に隠蔽し、差し替え可能にする
package device
