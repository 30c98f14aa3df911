package inspection

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/session"
)

// Orchestrator はカメラ1台の検査サイクルを駆動する状態機械
// セッションはプールが所有し、オーケストレーターは借用するだけで
// セッションの破棄より長く生存しない
type Orchestrator struct {
	session *session.Session
	sink    Sink
	cfg     *config.Config

	mu       sync.RWMutex
	phase    Phase
	tier     Tier
	outcomes []Outcome
	commit   *CommitRecord
	stuck    bool
	alarm    bool

	transitions chan<- PhaseChange
	stopCh      chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(s *session.Session, sink Sink, cfg *config.Config,
	transitions chan<- PhaseChange) *Orchestrator {
	return &Orchestrator{
		session:     s,
		sink:        sink,
		cfg:         cfg,
		phase:       PhaseAwaitingReady,
		transitions: transitions,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Status は現在の状態のコピーを返す
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	outcomes := make([]Outcome, len(o.outcomes))
	copy(outcomes, o.outcomes)

	return Status{
		Serial:    o.session.Identity().Serial,
		Phase:     o.phase,
		Tier:      o.tier,
		Outcomes:  outcomes,
		Committed: o.commit != nil,
		Stuck:     o.stuck,
		Alarm:     o.alarm,
	}
}

// Stop は検査サイクルを中断する。何度呼んでも安全
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	<-o.doneCh
}

// Done は検査サイクルの終了を通知するチャンネルを返す
func (o *Orchestrator) Done() <-chan struct{} {
	return o.doneCh
}

// Run は検査サイクルを実行する。カメラごとの専用ゴルーチンで動かす
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.doneCh)

	serial := o.session.Identity().Serial

	// 準備完了イベントを待つ。それまでテストコマンドは一切発行しない
	if !o.awaitReady(ctx) {
		return
	}

	// OTP階層を読み出す。読み出し失敗は自動再試行しない
	o.setPhase(PhaseReadingTier)

	reply, err := o.execute(ctx, device.CmdTierQuery)
	if err != nil {
		log.Printf("[%s] OTP階層の読み出しに失敗: %v", serial, err)
		o.setPhase(PhaseAborted)
		return
	}

	tier, err := ParseTier(reply.Raw)
	if err != nil {
		log.Printf("[%s] OTP階層の解釈に失敗: %v", serial, err)
		o.setPhase(PhaseAborted)
		return
	}

	o.mu.Lock()
	o.tier = tier
	o.mu.Unlock()

	// tested2は検査完了済み。テスト手順を実行せずに終了する
	if tier == TierTested2 {
		log.Printf("[%s] 階層 %s は検査完了済みです", serial, tier)
		o.setPhase(PhaseCompleted)
		return
	}

	// テスト計画を順番どおり実行する
	// 途中の失敗では中断せず、全手順の結果を記録する
	o.setPhase(PhaseRunningPlan)

	allPassed := true
	for _, step := range PlanFor(tier) {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		outcome, sessionDown := o.runStep(ctx, step)
		if sessionDown {
			log.Printf("[%s] セッション障害のため検査を中断します", serial)
			o.setPhase(PhaseAborted)
			return
		}

		o.recordOutcome(outcome)
		if !outcome.Passed {
			allPassed = false
		}
	}

	// 全手順合格の場合にのみOTP書き込みに進む
	if !allPassed {
		log.Printf("[%s] 不合格の手順があるためOTP書き込みは行いません", serial)
		o.setPhase(PhaseCompleted)
		return
	}

	o.setPhase(PhaseAwaitingCommit)
	o.commitOtp(ctx, tier)
}

// awaitReady は準備完了イベントを待つ
// 上限時間を超過した場合は停滞状態を報告して待機を打ち切る
func (o *Orchestrator) awaitReady(ctx context.Context) bool {
	o.setPhase(PhaseAwaitingReady)

	serial := o.session.Identity().Serial

	ceiling := time.NewTimer(o.cfg.Event.ReadyCeiling)
	defer ceiling.Stop()

	// セッション障害の検知用
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-o.stopCh:
			return false

		case <-ctx.Done():
			return false

		case _, ok := <-o.session.ReadyEvents():
			if !ok {
				return false
			}
			log.Printf("[%s] 準備完了イベントを受信しました", serial)
			return true

		case <-ceiling.C:
			// 他のカメラを妨げないよう、無期限には待たない
			o.mu.Lock()
			o.stuck = true
			o.mu.Unlock()
			log.Printf("[%s] 準備完了待ちが上限（%s）を超過しました", serial, o.cfg.Event.ReadyCeiling)
			return false

		case <-poll.C:
			if o.session.Terminal() {
				o.setPhase(PhaseAborted)
				return false
			}
		}
	}
}

// execute はセッション上でコマンドを実行する
// ヘルスチェックとの一時的な競合（Busy）はデバイスの判定ではないため、
// セッションが健全な間は待って再試行する
func (o *Orchestrator) execute(ctx context.Context, cmd device.Command) (device.Reply, error) {
	for {
		reply, err := o.session.Execute(ctx, cmd)
		if err == nil || !errors.Is(err, session.ErrNotIdle) {
			return reply, err
		}

		switch o.session.State() {
		case session.StateIdle, session.StateBusy:
			// 一時的な競合。空くのを待つ
		default:
			return reply, err
		}

		select {
		case <-o.stopCh:
			return reply, err
		case <-ctx.Done():
			return device.Reply{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// runStep は1つのテスト手順を実行して結果を返す
// トランスポートのタイムアウトは1回だけ再試行し、それでも失敗なら
// 不合格として記録する。セッション障害の場合はsessionDownを返す
func (o *Orchestrator) runStep(ctx context.Context, step Step) (outcome Outcome, sessionDown bool) {
	serial := o.session.Identity().Serial

	reply, err := o.execute(ctx, step.Command)

	// タイムアウトは1回だけ再試行する
	if errors.Is(err, session.ErrCommandTimeout) {
		log.Printf("[%s] 手順 %s がタイムアウトしたため再試行します", serial, step.Name)
		reply, err = o.execute(ctx, step.Command)
	}

	if err != nil {
		if o.session.State() == session.StateFailed {
			return Outcome{}, true
		}

		// プロトコルエラーやタイムアウトの再発は不合格として記録する
		return Outcome{
			ID:          uuid.New().String(),
			Serial:      serial,
			TestName:    step.Name,
			RawResponse: err.Error(),
			Passed:      false,
			Timestamp:   time.Now(),
		}, false
	}

	return Outcome{
		ID:          uuid.New().String(),
		Serial:      serial,
		TestName:    step.Name,
		RawResponse: reply.Raw,
		Passed:      reply.OK,
		Timestamp:   time.Now(),
	}, false
}

// commitOtp はOTP書き込みを行う
// 失敗は致命的で自動再試行しない（二重書き込みは安全でない）
func (o *Orchestrator) commitOtp(ctx context.Context, tier Tier) {
	serial := o.session.Identity().Serial

	writeCmd, written, ok := WriteCommandFor(tier)
	if !ok {
		o.setPhase(PhaseCompleted)
		return
	}

	reply, err := o.execute(ctx, writeCmd)
	if err != nil || !reply.OK {
		o.mu.Lock()
		o.alarm = true
		o.mu.Unlock()

		log.Printf("[%s] OTP書き込みに失敗しました。オペレーターの対応が必要です: %v (%s)",
			serial, err, reply.Raw)
		o.setPhase(PhaseAborted)
		return
	}

	record := CommitRecord{
		ID:           uuid.New().String(),
		Serial:       serial,
		Tier:         written,
		Confirmation: reply.Raw,
		Timestamp:    time.Now(),
	}

	o.mu.Lock()
	o.commit = &record
	o.mu.Unlock()

	o.sink.RecordOtpCommit(record)
	o.setPhase(PhaseCompleted)
}

// recordOutcome は結果を保持してシンクに転送する
func (o *Orchestrator) recordOutcome(outcome Outcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()

	o.sink.RecordTestOutcome(outcome)
}

// setPhase は状態を遷移させ、監視系に通知する
func (o *Orchestrator) setPhase(to Phase) {
	o.mu.Lock()
	from := o.phase
	if from == to {
		o.mu.Unlock()
		return
	}
	o.phase = to
	o.mu.Unlock()

	log.Printf("[%s] 検査状態遷移: %s → %s", o.session.Identity().Serial, from, to)

	if o.transitions != nil {
		change := PhaseChange{
			Serial: o.session.Identity().Serial,
			From:   from,
			To:     to,
			At:     time.Now(),
		}
		select {
		case o.transitions <- change:
		default:
			// 監視系が詰まっていても本体の動作は止めない
		}
	}
}
