// Package server は検査システムのHTTP APIを提供する
//
// # 責務
// - カメラの登録・登録解除API（GUI/管理レイヤーから利用される）
// - セッション状態と検査進捗の参照API
// - ヘルスチェックエンドポイント
// - グレースフルシャットダウン
package server
