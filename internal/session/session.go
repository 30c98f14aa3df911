package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/event"
)

// Session は1台のカメラのセッションを表す
// コマンドチャンネルとイベントチャンネルを1つずつ所有し、
// コマンド実行を直列化する
type Session struct {
	identity  Identity
	cfg       *config.Config
	open      device.OpenFunc
	subscribe event.SubscribeFunc
	codec     device.Codec

	mu              sync.Mutex
	state           State
	transport       device.Transport
	listener        event.Listener
	ready           bool
	healthFailures  int // ヘルスチェックの連続失敗回数
	failureCount    int // 接続失敗の累積回数
	lastHealthCheck time.Time
	terminal        bool

	readyCh      chan event.Event // 準備完了イベント（到着順、間引きなし）
	passthrough  chan event.Event // 準備完了以外のイベント（未解釈のまま通す）
	listenerStop chan struct{}

	transitions chan<- StateChange // 状態遷移の通知先（プールが所有）
	wg          sync.WaitGroup
}

// newSession は新しいSessionを作成する（プールからのみ呼ばれる）
func newSession(identity Identity, cfg *config.Config, open device.OpenFunc,
	subscribe event.SubscribeFunc, transitions chan<- StateChange) *Session {
	return &Session{
		identity:    identity,
		cfg:         cfg,
		open:        open,
		subscribe:   subscribe,
		codec:       device.NewCodec(),
		state:       StateDisconnected,
		readyCh:     make(chan event.Event, 16),
		passthrough: make(chan event.Event, 16),
		transitions: transitions,
	}
}

// Identity はカメラの識別情報を返す
func (s *Session) Identity() Identity {
	return s.identity
}

// State は現在の接続状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready は準備完了フラグを返す。どの状態でも読み出せる
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ResetReady は準備完了フラグを明示的にリセットする
func (s *Session) ResetReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
}

// Terminal は回復不能として打ち切られたかどうかを返す
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// ReadyEvents は準備完了イベントを到着順に配送するチャンネルを返す
func (s *Session) ReadyEvents() <-chan event.Event {
	return s.readyCh
}

// Passthrough は準備完了以外のイベントをそのまま通すチャンネルを返す
func (s *Session) Passthrough() <-chan event.Event {
	return s.passthrough
}

// Snapshot は現在の状態のコピーを返す
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Serial:              s.identity.Serial,
		Host:                s.identity.Host,
		State:               s.state,
		Ready:               s.ready,
		ConsecutiveFailures: s.healthFailures,
		FailureCount:        s.failureCount,
		LastHealthCheck:     s.lastHealthCheck,
		Terminal:            s.terminal,
	}
}

// Connect はコマンドチャンネルの接続とイベントチャンネルの購読を行う
// Disconnected/FailedからConnecting経由でIdleまで遷移させる
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnrecoverable, s.identity.Serial)
	}
	if s.state != StateDisconnected && s.state != StateFailed {
		s.mu.Unlock()
		return nil // 既に接続済み
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	// コマンドチャンネルを開く（ログインハンドシェイク込み）
	transport, err := s.open(s.cfg.CommandAddress(s.identity.Host), s.cfg.Telnet.ConnectTimeout)
	if err != nil {
		s.recordConnectFailure()
		return fmt.Errorf("コマンドチャンネルの接続に失敗: %w", err)
	}

	s.mu.Lock()
	s.transport = transport
	s.setStateLocked(StateAuthenticated)
	s.mu.Unlock()

	// イベントチャンネルを購読する
	// 購読の失敗はコマンドチャンネルに影響させない（独立に再試行する）
	listener, err := s.subscribe(s.cfg.EventAddress(s.identity.Host))

	stop := make(chan struct{})

	s.mu.Lock()
	if err == nil {
		s.listener = listener
	}
	s.listenerStop = stop
	s.failureCount = 0 // 接続成功でバックオフカウンタをリセット
	s.healthFailures = 0
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if err != nil {
		log.Printf("[%s] イベントチャンネルの購読に失敗。バックグラウンドで再試行します: %v",
			s.identity.Serial, err)
		s.wg.Add(1)
		go s.resubscribe(stop)
		return nil
	}

	s.wg.Add(1)
	go s.consumeEvents(listener, stop)

	return nil
}

// resubscribe はイベントチャンネルの購読だけを再試行する
// コマンドチャンネルとコマンド実行には影響しない
func (s *Session) resubscribe(stop chan struct{}) {
	defer s.wg.Done()

	for attempt := 1; attempt <= s.cfg.Event.MaxReconnectAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(s.cfg.Event.ReconnectDelay):
		}

		listener, err := s.subscribe(s.cfg.EventAddress(s.identity.Host))
		if err != nil {
			log.Printf("[%s] イベントチャンネルの購読再試行に失敗 (%d/%d): %v",
				s.identity.Serial, attempt, s.cfg.Event.MaxReconnectAttempts, err)
			continue
		}

		s.mu.Lock()
		if s.listenerStop != stop {
			// セッションは既にクローズまたは障害で作り直されている
			s.mu.Unlock()
			listener.Unsubscribe()
			return
		}
		s.listener = listener
		s.mu.Unlock()

		log.Printf("[%s] イベントチャンネルを購読しました", s.identity.Serial)

		s.wg.Add(1)
		go s.consumeEvents(listener, stop)
		return
	}

	log.Printf("[%s] イベントチャンネルの購読を断念しました", s.identity.Serial)
}

// recordConnectFailure は接続失敗を記録しFailedに遷移させる
func (s *Session) recordConnectFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.cfg.Pool.FailureCeiling {
		s.terminal = true
		log.Printf("[%s] 接続失敗が上限（%d回）に達したため打ち切ります",
			s.identity.Serial, s.cfg.Pool.FailureCeiling)
	}
	s.setStateLocked(StateFailed)
}

// consumeEvents はイベントチャンネルからのイベントを振り分ける
// 準備完了イベントはフラグを立てたうえで到着順にreadyChへ配送する
func (s *Session) consumeEvents(listener event.Listener, stop chan struct{}) {
	defer s.wg.Done()

	for ev := range listener.Events() {
		select {
		case <-stop:
			return
		default:
		}

		if ev.Type == event.TypeReady {
			s.mu.Lock()
			s.ready = true
			s.mu.Unlock()

			select {
			case s.readyCh <- ev:
			case <-stop:
				return
			}
			continue
		}

		// 準備完了以外は解釈せずに通す。受け手がいなければ破棄する
		select {
		case s.passthrough <- ev:
		default:
		}
	}

	// イベントチャンネルが再接続を断念してクローズされた場合は
	// 購読だけを作り直す（コマンドチャンネルには影響しない）
	select {
	case <-stop:
		return
	default:
	}

	s.mu.Lock()
	if s.listenerStop != stop {
		s.mu.Unlock()
		return
	}
	s.listener = nil
	s.mu.Unlock()

	log.Printf("[%s] イベントチャンネルが終了しました。購読を再試行します", s.identity.Serial)

	s.wg.Add(1)
	go s.resubscribe(stop)
}

// Execute はコマンドを実行する。Idleでのみ有効で、実行中はBusyに遷移する
// タイムアウト時は実行有無が不明なため、ヘルスチェックを行ってから
// 状態を確定させ、ErrCommandTimeoutを返す
func (s *Session) Execute(ctx context.Context, cmd device.Command, args ...string) (device.Reply, error) {
	if err := ctx.Err(); err != nil {
		return device.Reply{}, err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return device.Reply{}, fmt.Errorf("%w: 現在の状態 %s", ErrNotIdle, state)
	}
	transport := s.transport
	s.setStateLocked(StateBusy)
	s.mu.Unlock()

	line, err := s.codec.Encode(cmd, args...)
	if err != nil {
		s.returnToIdle()
		return device.Reply{}, err
	}

	raw, sendErr := transport.Send(line, s.cfg.Telnet.CommandTimeout)

	switch {
	case sendErr == nil:
		s.mu.Lock()
		s.healthFailures = 0
		s.setStateLocked(StateIdle)
		s.mu.Unlock()

		reply, err := s.codec.Decode(cmd, raw)
		if err != nil {
			return reply, err // プロトコルエラー。セッション状態は健全
		}
		return reply, nil

	case errors.Is(sendErr, device.ErrReadTimeout), errors.Is(sendErr, device.ErrWriteTimeout):
		// 実行有無が不明。次の状態遷移の前にヘルスチェックを行う
		s.healthCheckBusy(transport)
		return device.Reply{}, fmt.Errorf("%w: %s", ErrCommandTimeout, cmd)

	default:
		// 回復不能なトランスポートエラー
		s.fail()
		return device.Reply{}, fmt.Errorf("コマンド %s の実行に失敗: %w", cmd, sendErr)
	}
}

// HealthCheck は軽量なキープアライブコマンドで健全性を確認する
// 連続失敗がしきい値に達するとFailedに遷移させる
func (s *Session) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return false
	}
	transport := s.transport
	s.setStateLocked(StateBusy)
	s.mu.Unlock()

	return s.healthCheckBusy(transport)
}

// healthCheckBusy はBusy状態（トランスポート専有中）でキープアライブを送る
// 呼び出し後の状態はIdleまたはFailedに確定する
func (s *Session) healthCheckBusy(transport device.Transport) bool {
	line, _ := s.codec.Encode(device.CmdKeepAlive)
	_, err := transport.Send(line, s.cfg.Telnet.CommandTimeout)

	s.mu.Lock()
	s.lastHealthCheck = time.Now()

	if err != nil {
		s.healthFailures++
		log.Printf("[%s] ヘルスチェックに失敗 (%d/%d): %v",
			s.identity.Serial, s.healthFailures, s.cfg.Pool.HealthFailureThreshold, err)

		if s.healthFailures >= s.cfg.Pool.HealthFailureThreshold {
			s.mu.Unlock()
			s.fail()
			return false
		}

		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		return false
	}

	s.healthFailures = 0
	s.setStateLocked(StateIdle)
	s.mu.Unlock()
	return true
}

// returnToIdle はBusyからIdleへ戻す
func (s *Session) returnToIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy {
		s.setStateLocked(StateIdle)
	}
}

// fail はセッションをFailedに遷移させ、両チャンネルを解放する
// 準備完了フラグは切断により落ちる
func (s *Session) fail() {
	s.mu.Lock()
	s.ready = false
	transport := s.transport
	listener := s.listener
	stop := s.listenerStop
	s.transport = nil
	s.listener = nil
	s.listenerStop = nil
	s.failureCount++
	if s.failureCount >= s.cfg.Pool.FailureCeiling {
		s.terminal = true
	}
	s.setStateLocked(StateFailed)
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if listener != nil {
		listener.Unsubscribe()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// Close はセッションを閉じてDisconnectedに戻す。何度呼んでも安全
// クローズ時のエラーはログに残すのみで伝播させない
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.ready = false
	transport := s.transport
	listener := s.listener
	stop := s.listenerStop
	s.transport = nil
	s.listener = nil
	s.listenerStop = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if listener != nil {
		listener.Unsubscribe()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Printf("[%s] コマンドチャンネルのクローズに失敗: %v", s.identity.Serial, err)
		}
	}

	s.wg.Wait()
}

// setStateLocked は状態を遷移させ、監視系に通知する（ロック保持前提）
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	log.Printf("[%s] セッション状態遷移: %s → %s", s.identity.Serial, from, to)

	if s.transitions != nil {
		change := StateChange{
			Serial: s.identity.Serial,
			From:   from,
			To:     to,
			At:     time.Now(),
		}
		select {
		case s.transitions <- change:
		default:
			// 監視系が詰まっていても本体の動作は止めない
		}
	}
}
