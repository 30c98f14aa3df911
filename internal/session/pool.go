package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/event"
)

// Pool は全カメラセッションのライフサイクルを管理する
// レジストリはタスク間で共有される唯一の可変状態で、内部で同期される
type Pool struct {
	cfg       *config.Config
	open      device.OpenFunc
	subscribe event.SubscribeFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	watchers map[string]chan struct{}
	closed   bool

	// 同時接続試行数の上限（大量登録時のリソース消費を抑える）
	connectSem chan struct{}

	transitions chan StateChange
	wg          sync.WaitGroup
}

// NewPool は新しいPoolを作成する
func NewPool(cfg *config.Config, open device.OpenFunc, subscribe event.SubscribeFunc) *Pool {
	return &Pool{
		cfg:         cfg,
		open:        open,
		subscribe:   subscribe,
		sessions:    make(map[string]*Session),
		watchers:    make(map[string]chan struct{}),
		connectSem:  make(chan struct{}, cfg.Pool.MaxConcurrentConnects),
		transitions: make(chan StateChange, 64),
	}
}

// Register はカメラを登録し、セッションの確立を開始する
// 同一シリアルの重複登録は新しいセッションを作らず既存のものを返す
func (p *Pool) Register(ctx context.Context, identity Identity) *Session {
	p.mu.Lock()

	if existing, ok := p.sessions[identity.Serial]; ok {
		p.mu.Unlock()
		log.Printf("[%s] 既に登録済みのため既存セッションを返します", identity.Serial)
		return existing
	}

	s := newSession(identity, p.cfg, p.open, p.subscribe, p.transitions)
	stop := make(chan struct{})
	p.sessions[identity.Serial] = s
	p.watchers[identity.Serial] = stop
	p.mu.Unlock()

	log.Printf("[%s] カメラを登録しました: %s", identity.Serial, identity.Host)

	p.wg.Add(1)
	go p.maintain(ctx, s, stop)

	return s
}

// Deregister はカメラの登録を解除する
// セッションはベストエフォートでクローズし、常に成功する
func (p *Pool) Deregister(serial string) {
	p.mu.Lock()
	s, ok := p.sessions[serial]
	stop := p.watchers[serial]
	delete(p.sessions, serial)
	delete(p.watchers, serial)
	p.mu.Unlock()

	if !ok {
		return
	}

	if stop != nil {
		close(stop)
	}
	s.Close()

	log.Printf("[%s] カメラの登録を解除しました", serial)
}

// Get は登録済みのセッションを取得する
func (p *Pool) Get(serial string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[serial]
	return s, ok
}

// Snapshots は全セッションの現在の状態を返す
func (p *Pool) Snapshots() []Snapshot {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	return snapshots
}

// Count は登録済みのセッション数を返す
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Transitions はセッションの状態遷移イベントのチャンネルを返す
// 外部の監視系向けで、消費されなくても本体の動作には影響しない
func (p *Pool) Transitions() <-chan StateChange {
	return p.transitions
}

// Close は全セッションを解除してプールを停止する
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	serials := make([]string, 0, len(p.sessions))
	for serial := range p.sessions {
		serials = append(serials, serial)
	}
	p.mu.Unlock()

	for _, serial := range serials {
		p.Deregister(serial)
	}

	p.wg.Wait()
}

// maintain はセッションごとの接続維持ループ
// 未接続なら指数バックオフ付きで接続し、接続中は一定間隔で
// ヘルスチェックを行う
func (p *Pool) maintain(ctx context.Context, s *Session, stop chan struct{}) {
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Pool.RetryBaseDelay
	b.MaxInterval = p.cfg.Pool.RetryMaxDelay
	b.MaxElapsedTime = 0 // 上限回数はセッション側のFailureCeilingが管理する

	var wait time.Duration // 初回の接続は待たずに試みる

	for {
		switch s.State() {
		case StateDisconnected, StateFailed:
			if s.Terminal() {
				log.Printf("[%s] セッションは回復不能のため接続維持を終了します", s.Identity().Serial)
				return
			}

			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			// 同時接続試行数を制限する
			select {
			case p.connectSem <- struct{}{}:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}

			err := s.Connect(ctx)
			<-p.connectSem

			if err != nil {
				wait = b.NextBackOff()
				log.Printf("[%s] 接続に失敗。%s 後に再試行します: %v",
					s.Identity().Serial, wait.Round(time.Millisecond), err)
			} else {
				b.Reset()
				wait = 0
			}

		case StateIdle:
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.Pool.HealthCheckInterval):
			}
			s.HealthCheck(ctx)

		default:
			// Connecting / Authenticated / Busy は落ち着くまで待つ
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
