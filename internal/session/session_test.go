package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/event"
)

// sessionFixture はモックのチャンネル接続を提供するテスト用ハーネス
type sessionFixture struct {
	mu             sync.Mutex
	transports     []*device.MockTransport
	listeners      []*event.MockListener
	openErrs       int // 最初のn回の接続をエラーにする
	openCalls      int
	subscribeErrs  int // 最初のn回の購読をエラーにする
	subscribeCalls int
}

func newSessionFixture() *sessionFixture {
	return &sessionFixture{}
}

func (f *sessionFixture) open(address string, timeout time.Duration) (device.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCalls++
	if f.openCalls <= f.openErrs {
		return nil, device.ErrConnectRefused
	}

	transport := device.NewMockTransport()
	f.transports = append(f.transports, transport)
	return transport, nil
}

func (f *sessionFixture) subscribe(address string) (event.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribeCalls++
	if f.subscribeCalls <= f.subscribeErrs {
		return nil, event.ErrSubscribe
	}

	listener := event.NewMockListener()
	f.listeners = append(f.listeners, listener)
	return listener, nil
}

func (f *sessionFixture) lastTransport() *device.MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *sessionFixture) lastListener() *event.MockListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listeners) == 0 {
		return nil
	}
	return f.listeners[len(f.listeners)-1]
}

// testConfig はテスト向けに間隔を短くした設定を返す
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telnet.ConnectTimeout = time.Second
	cfg.Telnet.CommandTimeout = time.Second
	cfg.Pool.HealthCheckInterval = 20 * time.Millisecond
	cfg.Pool.HealthFailureThreshold = 3
	cfg.Pool.RetryBaseDelay = 10 * time.Millisecond
	cfg.Pool.RetryMaxDelay = 50 * time.Millisecond
	cfg.Pool.FailureCeiling = 3
	cfg.Pool.MaxConcurrentConnects = 4
	return cfg
}

// waitFor は条件が満たされるまでポーリングする
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func connectedSession(t *testing.T, fixture *sessionFixture, cfg *config.Config) *Session {
	t.Helper()

	s := newSession(Identity{Serial: "CAM001", Host: "10.0.0.1"}, cfg,
		fixture.open, fixture.subscribe, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("接続に失敗しました: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// TestSessionConnect は接続によるIdleへの遷移をテストする
func TestSessionConnect(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	if got := s.State(); got != StateIdle {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateIdle)
	}

	snapshot := s.Snapshot()
	if snapshot.Serial != "CAM001" {
		t.Errorf("シリアル番号が一致しません: got %s", snapshot.Serial)
	}
	if snapshot.Host != "10.0.0.1" {
		t.Errorf("ホストが一致しません: got %s", snapshot.Host)
	}
	if snapshot.Ready {
		t.Error("接続直後の準備完了フラグはfalseのはずです")
	}
	if snapshot.Terminal {
		t.Error("接続直後のセッションが回復不能になっています")
	}

	// 既に接続済みの場合は何もしない
	if err := s.Connect(context.Background()); err != nil {
		t.Errorf("再接続呼び出しでエラー: %v", err)
	}
}

// TestSessionConnectFailure は接続失敗によるFailedへの遷移と
// 失敗上限による打ち切りをテストする
func TestSessionConnectFailure(t *testing.T) {
	fixture := newSessionFixture()
	fixture.openErrs = 100 // 常に失敗させる

	cfg := testConfig()
	cfg.Pool.FailureCeiling = 2

	s := newSession(Identity{Serial: "CAM002", Host: "10.0.0.2"}, cfg,
		fixture.open, fixture.subscribe, nil)

	// 1回目の失敗: Failedだが回復可能
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("エラーが期待されましたが、接続に成功しました")
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateFailed)
	}
	if s.Terminal() {
		t.Error("1回目の失敗で回復不能になっています")
	}

	// 2回目の失敗: 上限に達して回復不能
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("エラーが期待されましたが、接続に成功しました")
	}
	if !s.Terminal() {
		t.Error("失敗上限に達しても回復不能になっていません")
	}

	// 回復不能後の接続は拒否される
	if err := s.Connect(context.Background()); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("ErrUnrecoverableが期待されましたが、別のエラーでした: %v", err)
	}
}

// TestSessionSubscribeFailureKeepsTransport はイベントチャンネルの購読失敗が
// コマンドチャンネルに影響しないことをテストする
// 購読は独立に再試行され、コマンドは購読の成否にかかわらず実行できる
func TestSessionSubscribeFailureKeepsTransport(t *testing.T) {
	fixture := newSessionFixture()
	fixture.subscribeErrs = 2 // 最初の2回の購読は失敗させる

	cfg := testConfig()
	cfg.Event.ReconnectDelay = 10 * time.Millisecond
	cfg.Event.MaxReconnectAttempts = 5

	s := newSession(Identity{Serial: "CAM005", Host: "10.0.0.5"}, cfg,
		fixture.open, fixture.subscribe, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("接続に失敗しました: %v", err)
	}
	t.Cleanup(s.Close)

	// 購読が失敗してもセッションはIdleで、接続失敗として数えない
	if got := s.State(); got != StateIdle {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateIdle)
	}
	if got := s.Snapshot().FailureCount; got != 0 {
		t.Errorf("購読失敗が接続失敗として数えられています: %d", got)
	}
	if fixture.lastTransport().Closed() {
		t.Error("コマンドチャンネルがクローズされました")
	}

	// コマンドは購読の成否にかかわらず実行できること
	if _, err := s.Execute(context.Background(), device.CmdKeepAlive); err != nil {
		t.Errorf("コマンド実行に失敗しました: %v", err)
	}

	// 購読はバックグラウンドで再試行され、最終的に成功すること
	waitFor(t, 2*time.Second, func() bool {
		return fixture.lastListener() != nil
	}, "購読の再試行がタイムアウトしました")

	fixture.lastListener().PushReady()
	waitFor(t, 2*time.Second, s.Ready, "準備完了イベントの受信がタイムアウトしました")
}

// TestSessionExecute はコマンド実行をテストする
func TestSessionExecute(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	fixture.lastTransport().SetResponse("otp_read tier", "fresh")

	reply, err := s.Execute(context.Background(), device.CmdTierQuery)
	if err != nil {
		t.Fatalf("コマンド実行に失敗しました: %v", err)
	}
	if !reply.OK {
		t.Error("成功応答が期待されました")
	}
	if reply.Raw != "fresh" {
		t.Errorf("応答が一致しません: got %q", reply.Raw)
	}

	// 実行後はIdleに戻ること
	if got := s.State(); got != StateIdle {
		t.Errorf("実行後の状態が一致しません: got %s, want %s", got, StateIdle)
	}
}

// TestSessionExecuteNotIdle はIdle以外でのコマンド実行拒否をテストする
func TestSessionExecuteNotIdle(t *testing.T) {
	fixture := newSessionFixture()
	cfg := testConfig()

	s := newSession(Identity{Serial: "CAM003", Host: "10.0.0.3"}, cfg,
		fixture.open, fixture.subscribe, nil)

	// 未接続での実行は拒否される
	if _, err := s.Execute(context.Background(), device.CmdKeepAlive); !errors.Is(err, ErrNotIdle) {
		t.Errorf("ErrNotIdleが期待されましたが、別のエラーでした: %v", err)
	}
}

// TestSessionSerialization は同時実行の直列化をテストする
// トランスポート上のコマンドは常に高々1件であること
func TestSessionSerialization(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	transport := fixture.lastTransport()
	transport.SetDelay(50 * time.Millisecond)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		succeeds int
		rejects  int
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Execute(context.Background(), device.CmdKeepAlive)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeds++
			case errors.Is(err, ErrNotIdle):
				rejects++
			default:
				t.Errorf("予期しないエラー: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeds == 0 {
		t.Error("少なくとも1件は成功するはずです")
	}
	if succeeds+rejects != 5 {
		t.Errorf("成功と拒否の合計が一致しません: %d + %d", succeeds, rejects)
	}

	// 実行中のBusy遷移により、トランスポート上では常に直列化されること
	if max := transport.MaxInFlight(); max > 1 {
		t.Errorf("コマンドが同時実行されました: 最大 %d 件", max)
	}
}

// TestSessionCommandTimeout はタイムアウト時の不定扱いと
// 直後のヘルスチェックによる状態確定をテストする
func TestSessionCommandTimeout(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	transport := fixture.lastTransport()
	transport.SetSendError(device.ErrReadTimeout, true)

	_, err := s.Execute(context.Background(), device.CmdTestLED)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("ErrCommandTimeoutが期待されましたが、別のエラーでした: %v", err)
	}

	// タイムアウト直後にキープアライブでヘルスチェックが行われること
	sent := transport.Sent()
	if len(sent) == 0 || sent[len(sent)-1] != "echo" {
		t.Errorf("ヘルスチェックが行われていません: %v", sent)
	}

	// ヘルスチェックが成功したのでIdleに戻ること
	if got := s.State(); got != StateIdle {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateIdle)
	}

	// 次のコマンドは普通に実行できること
	if _, err := s.Execute(context.Background(), device.CmdTestLED); err != nil {
		t.Errorf("回復後のコマンド実行に失敗しました: %v", err)
	}
}

// TestSessionHealthFailuresLeadToFailed は連続したヘルスチェック失敗が
// しきい値に達するとFailedへ遷移することをテストする
func TestSessionHealthFailuresLeadToFailed(t *testing.T) {
	fixture := newSessionFixture()
	cfg := testConfig()
	cfg.Pool.HealthFailureThreshold = 3
	cfg.Pool.FailureCeiling = 10

	s := connectedSession(t, fixture, cfg)

	transport := fixture.lastTransport()
	transport.SetSendError(device.ErrReadTimeout, false) // 以降すべて失敗

	// タイムアウトごとにヘルスチェックも失敗し、連続失敗が積み上がる
	for i := 0; i < 3; i++ {
		_, err := s.Execute(context.Background(), device.CmdTestLED)
		if !errors.Is(err, ErrCommandTimeout) {
			t.Fatalf("ErrCommandTimeoutが期待されましたが、別のエラーでした: %v", err)
		}
	}

	if got := s.State(); got != StateFailed {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateFailed)
	}

	// 切断により準備完了フラグが落ちること
	if s.Ready() {
		t.Error("Failed後の準備完了フラグはfalseのはずです")
	}

	// 両チャンネルが解放されること
	if !transport.Closed() {
		t.Error("コマンドチャンネルがクローズされていません")
	}

	// Failed中のコマンドは拒否される
	if _, err := s.Execute(context.Background(), device.CmdTestLED); !errors.Is(err, ErrNotIdle) {
		t.Errorf("ErrNotIdleが期待されましたが、別のエラーでした: %v", err)
	}
}

// TestSessionReadyEvents は準備完了イベントの配送をテストする
func TestSessionReadyEvents(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	listener := fixture.lastListener()

	// 準備完了イベントは到着順に間引きなしで配送される
	listener.Push(event.TypeReady, "I am ready (1)")
	listener.Push(event.TypeReady, "I am ready (2)")

	for i, want := range []string{"I am ready (1)", "I am ready (2)"} {
		select {
		case ev := <-s.ReadyEvents():
			if ev.Message != want {
				t.Errorf("%d件目のメッセージが一致しません: got %q, want %q", i+1, ev.Message, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%d件目の準備完了イベントの受信がタイムアウトしました", i+1)
		}
	}

	if !s.Ready() {
		t.Error("準備完了フラグが立っていません")
	}

	// フラグは明示的にリセットできる
	s.ResetReady()
	if s.Ready() {
		t.Error("準備完了フラグがリセットされていません")
	}
}

// TestSessionPassthrough は準備完了以外のイベントが未解釈で通ることをテストする
func TestSessionPassthrough(t *testing.T) {
	fixture := newSessionFixture()
	s := connectedSession(t, fixture, testConfig())

	fixture.lastListener().Push(event.TypeOther, "temperature 42")

	select {
	case ev := <-s.Passthrough():
		if ev.Message != "temperature 42" {
			t.Errorf("メッセージが一致しません: got %q", ev.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("イベントの受信がタイムアウトしました")
	}

	// その他のイベントで準備完了フラグは立たない
	if s.Ready() {
		t.Error("準備完了フラグが誤って立っています")
	}
}

// TestSessionClose はクローズの冪等性をテストする
func TestSessionClose(t *testing.T) {
	fixture := newSessionFixture()
	cfg := testConfig()

	s := newSession(Identity{Serial: "CAM004", Host: "10.0.0.4"}, cfg,
		fixture.open, fixture.subscribe, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("接続に失敗しました: %v", err)
	}

	s.Close()

	if got := s.State(); got != StateDisconnected {
		t.Errorf("状態が一致しません: got %s, want %s", got, StateDisconnected)
	}
	if !fixture.lastTransport().Closed() {
		t.Error("コマンドチャンネルがクローズされていません")
	}

	// 何度呼んでも安全であること
	s.Close()
	s.Close()
}
