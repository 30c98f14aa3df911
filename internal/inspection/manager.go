package inspection

import (
	"context"
	"log"
	"sync"

	"kenpin/internal/config"
	"kenpin/internal/session"
)

// Manager はカメラごとのオーケストレーターを統括する
// 再登録されたカメラは必ず新しいオーケストレーターで
// 準備完了待ちからやり直す（途中経過は引き継がない）
type Manager struct {
	cfg  *config.Config
	sink Sink

	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
	serialLocks   map[string]*sync.Mutex

	transitions chan PhaseChange
	wg          sync.WaitGroup
}

// NewManager は新しいManagerを作成する
func NewManager(cfg *config.Config, sink Sink) *Manager {
	return &Manager{
		cfg:           cfg,
		sink:          sink,
		orchestrators: make(map[string]*Orchestrator),
		serialLocks:   make(map[string]*sync.Mutex),
		transitions:   make(chan PhaseChange, 64),
	}
}

// serialLock はシリアルごとの開始・停止を直列化するロックを返す
// 停止と置き換えの間に別の開始が割り込むのを防ぐ
func (m *Manager) serialLock(serial string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.serialLocks[serial]
	if !ok {
		lock = &sync.Mutex{}
		m.serialLocks[serial] = lock
	}
	return lock
}

// Start はカメラの検査サイクルを開始する
// 既存のオーケストレーターがあれば停止して置き換える
func (m *Manager) Start(ctx context.Context, s *session.Session) *Orchestrator {
	serial := s.Identity().Serial

	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existing, ok := m.orchestrators[serial]
	m.mu.RUnlock()
	if ok {
		existing.Stop()
	}

	o := NewOrchestrator(s, m.sink, m.cfg, m.transitions)

	m.mu.Lock()
	m.orchestrators[serial] = o
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		o.Run(ctx)
	}()

	log.Printf("[%s] 検査サイクルを開始しました", serial)
	return o
}

// Stop はカメラの検査サイクルを中断して登録を外す
func (m *Manager) Stop(serial string) {
	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	o, ok := m.orchestrators[serial]
	delete(m.orchestrators, serial)
	m.mu.Unlock()

	if ok {
		o.Stop()
		log.Printf("[%s] 検査サイクルを中断しました", serial)
	}
}

// Status はカメラの検査状態を取得する
func (m *Manager) Status(serial string) (Status, bool) {
	m.mu.RLock()
	o, ok := m.orchestrators[serial]
	m.mu.RUnlock()

	if !ok {
		return Status{}, false
	}
	return o.Status(), true
}

// Statuses は全カメラの検査状態を返す
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	orchestrators := make([]*Orchestrator, 0, len(m.orchestrators))
	for _, o := range m.orchestrators {
		orchestrators = append(orchestrators, o)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(orchestrators))
	for _, o := range orchestrators {
		statuses = append(statuses, o.Status())
	}
	return statuses
}

// Transitions は検査状態遷移イベントのチャンネルを返す
// 外部の監視系向けで、消費されなくても本体の動作には影響しない
func (m *Manager) Transitions() <-chan PhaseChange {
	return m.transitions
}

// Close は全オーケストレーターを停止する
func (m *Manager) Close() {
	m.mu.Lock()
	serials := make([]string, 0, len(m.orchestrators))
	for serial := range m.orchestrators {
		serials = append(serials, serial)
	}
	m.mu.Unlock()

	for _, serial := range serials {
		m.Stop(serial)
	}

	m.wg.Wait()
}
