// Package inspection はカメラ1台ごとの検査オーケストレーションを担う
//
// # 責務
// - 準備完了待ち → OTP階層の読み出し → テスト計画の実行 → OTP書き込み
//   という検査サイクルの状態遷移管理
// - 階層に応じたテスト計画の選択
// - テスト結果と OTPコミット記録の生成とシンクへの転送
//
// # 仕様
// - 準備完了イベントを受け取るまでテストコマンドは一切発行しない
// - テスト手順は厳密に順番どおり実行し、途中で失敗しても残りの手順を
//   すべて実行して結果を記録する
// - OTP書き込みは全手順合格の場合にのみ行う。この不変条件は
//   いかなる場合も迂回してはならない（書き込みは不可逆）
// - OTP読み書きの失敗は自動再試行しない。書き込み失敗は警報状態として
//   オペレーターの介入を待つ
package inspection
