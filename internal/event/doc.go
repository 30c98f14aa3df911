// Package event はカメラの準備完了イベントチャンネルの購読を担う
//
// # 責務
// - イベントチャンネル（生TCPの行指向メッセージ）の購読
// - 準備完了メッセージ（"I am ready"）の検出と型付け
// - 接続断時の自動再接続（試行回数の上限あり）
//
// # 仕様
// - イベントは到着順にチャンネルで配送する（コールバックは使わない）
// - 準備完了以外のメッセージは解釈せずにそのまま通す
// - Unsubscribeは何度呼んでも安全で、接続が既に切れていても問題ない
// - 重複配送の抑止は行わない（呼び出し側の責務）
package event
