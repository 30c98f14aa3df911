package session

import (
	"context"
	"testing"
	"time"
)

// TestPoolRegister は登録と接続確立をテストする
func TestPoolRegister(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	s := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})
	if s == nil {
		t.Fatal("セッションがnilです")
	}

	if pool.Count() != 1 {
		t.Errorf("セッション数が一致しません: got %d, want 1", pool.Count())
	}

	// 接続維持ループが自動で接続を確立すること
	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateIdle
	}, "接続の確立がタイムアウトしました")
}

// TestPoolRegisterDedupe は同一シリアルの重複登録をテストする
// 新しいセッションを作らず既存のものを返す
func TestPoolRegisterDedupe(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	identity := Identity{Serial: "CAM001", Host: "10.0.0.1"}
	first := pool.Register(context.Background(), identity)
	second := pool.Register(context.Background(), identity)

	if first != second {
		t.Error("重複登録で別のセッションが作られました")
	}
	if pool.Count() != 1 {
		t.Errorf("セッション数が一致しません: got %d, want 1", pool.Count())
	}
}

// TestPoolDeregister は登録解除をテストする
func TestPoolDeregister(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	identity := Identity{Serial: "CAM001", Host: "10.0.0.1"}
	s := pool.Register(context.Background(), identity)

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateIdle
	}, "接続の確立がタイムアウトしました")

	pool.Deregister("CAM001")

	if pool.Count() != 0 {
		t.Errorf("セッション数が一致しません: got %d, want 0", pool.Count())
	}
	if _, ok := pool.Get("CAM001"); ok {
		t.Error("解除後もセッションが取得できます")
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("解除後の状態が一致しません: got %s, want %s", got, StateDisconnected)
	}

	// 未登録のシリアルの解除は何もしない（常に成功する）
	pool.Deregister("UNKNOWN")
}

// TestPoolReconnect は接続失敗後の指数バックオフ付き再試行をテストする
func TestPoolReconnect(t *testing.T) {
	fixture := newSessionFixture()
	fixture.openErrs = 2 // 最初の2回は失敗させる

	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	s := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})

	// 失敗を挟んでも最終的に接続が確立すること
	waitFor(t, 5*time.Second, func() bool {
		return s.State() == StateIdle
	}, "再試行による接続確立がタイムアウトしました")

	// 接続成功で失敗カウンタがリセットされること
	if got := s.Snapshot().FailureCount; got != 0 {
		t.Errorf("失敗カウンタがリセットされていません: got %d", got)
	}
}

// TestPoolGivesUpAfterCeiling は失敗上限による打ち切りをテストする
func TestPoolGivesUpAfterCeiling(t *testing.T) {
	fixture := newSessionFixture()
	fixture.openErrs = 100 // 常に失敗させる

	cfg := testConfig()
	cfg.Pool.FailureCeiling = 2

	pool := NewPool(cfg, fixture.open, fixture.subscribe)
	defer pool.Close()

	s := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})

	waitFor(t, 5*time.Second, s.Terminal, "失敗上限による打ち切りがタイムアウトしました")

	if got := s.State(); got != StateFailed {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateFailed)
	}

	// 打ち切り後もスナップショットには残り、オペレーターが確認できる
	if pool.Count() != 1 {
		t.Errorf("セッション数が一致しません: got %d, want 1", pool.Count())
	}
}

// TestPoolHealthCheckLoop は定期ヘルスチェックをテストする
func TestPoolHealthCheckLoop(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	s := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateIdle
	}, "接続の確立がタイムアウトしました")

	// ヘルスチェック間隔の経過後、キープアライブが送られること
	waitFor(t, 2*time.Second, func() bool {
		return !s.Snapshot().LastHealthCheck.IsZero()
	}, "定期ヘルスチェックがタイムアウトしました")

	found := false
	for _, line := range fixture.lastTransport().Sent() {
		if line == "echo" {
			found = true
			break
		}
	}
	if !found {
		t.Error("キープアライブコマンドが送信されていません")
	}
}

// TestPoolTransitions は状態遷移イベントの通知をテストする
func TestPoolTransitions(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	s := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateIdle
	}, "接続の確立がタイムアウトしました")

	// Disconnected→Connecting→Authenticated→Idleの遷移が通知されること
	expected := []State{StateConnecting, StateAuthenticated, StateIdle}
	for _, want := range expected {
		select {
		case change := <-pool.Transitions():
			if change.Serial != "CAM001" {
				t.Errorf("シリアル番号が一致しません: got %s", change.Serial)
			}
			if change.To != want {
				t.Errorf("遷移先が一致しません: got %s, want %s", change.To, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s への遷移通知の受信がタイムアウトしました", want)
		}
	}
}

// TestPoolSnapshots は全セッションの状態一覧をテストする
func TestPoolSnapshots(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)
	defer pool.Close()

	pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})
	pool.Register(context.Background(), Identity{Serial: "CAM002", Host: "10.0.0.2"})

	snapshots := pool.Snapshots()
	if len(snapshots) != 2 {
		t.Fatalf("スナップショット数が一致しません: got %d, want 2", len(snapshots))
	}

	serials := map[string]bool{}
	for _, snapshot := range snapshots {
		serials[snapshot.Serial] = true
	}
	if !serials["CAM001"] || !serials["CAM002"] {
		t.Errorf("シリアル番号が一致しません: %v", serials)
	}
}

// TestPoolClose はプールの停止をテストする
func TestPoolClose(t *testing.T) {
	fixture := newSessionFixture()
	pool := NewPool(testConfig(), fixture.open, fixture.subscribe)

	s1 := pool.Register(context.Background(), Identity{Serial: "CAM001", Host: "10.0.0.1"})
	s2 := pool.Register(context.Background(), Identity{Serial: "CAM002", Host: "10.0.0.2"})

	waitFor(t, 2*time.Second, func() bool {
		return s1.State() == StateIdle && s2.State() == StateIdle
	}, "接続の確立がタイムアウトしました")

	pool.Close()

	if pool.Count() != 0 {
		t.Errorf("停止後のセッション数が一致しません: got %d, want 0", pool.Count())
	}
	if s1.State() != StateDisconnected || s2.State() != StateDisconnected {
		t.Error("停止後もセッションが接続されたままです")
	}

	// 何度呼んでも安全であること
	pool.Close()
}
