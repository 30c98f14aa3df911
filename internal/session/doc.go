// Package session はカメラセッションとセッションプールの管理を担う
//
// # 責務
// - カメラ1台ごとのセッション（コマンドチャンネル＋イベントチャンネル）の
//   ライフサイクル管理と状態遷移
// - セッションプールによる登録・削除・再接続・ヘルスチェックの統括
// - コマンド実行の直列化（同一セッションでの同時実行を禁止）
//
// # 仕様
// - セッションの状態: Disconnected / Connecting / Authenticated / Idle / Busy / Failed
// - ExecuteはIdleでのみ有効で、実行中はBusyに遷移する
// - ヘルスチェックの連続失敗がしきい値に達するとFailedに遷移する
// - Failedからは指数バックオフで再接続する。累積失敗が上限を超えると
//   セッションは打ち切られ、呼び出し側に回復不能として通知される
// - 準備完了フラグはイベントチャンネルのイベントのみで立ち、
//   切断または明示的なリセットで落ちる
// - プールのレジストリはタスク間で共有される唯一の可変状態で、
//   内部で同期される。セッション自体の状態はセッションごとのロックが守る
package session
