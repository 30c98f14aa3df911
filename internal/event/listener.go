package event

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrSubscribe はイベントチャンネルの購読失敗を表す
var ErrSubscribe = errors.New("イベントチャンネルの購読に失敗しました")

// Type はイベントの種別を表す
type Type string

const (
	TypeReady Type = "ready" // デバイスの準備完了
	TypeOther Type = "other" // その他（解釈せずに通す）
)

// Event はイベントチャンネルから受信した1件のイベント
type Event struct {
	Type       Type      // イベント種別
	Message    string    // 受信した生のメッセージ
	ReceivedAt time.Time // 受信時刻
}

// Listener は1台のカメラのイベントチャンネルの購読を表すインターフェース
type Listener interface {
	// Events は受信イベントを到着順に配送するチャンネルを返す
	// 購読終了時にクローズされる
	Events() <-chan Event

	// Unsubscribe は購読を終了する。何度呼んでも安全
	Unsubscribe()
}

// SubscribeFunc はListenerを作成する関数の型
// テストではモック実装に差し替える
type SubscribeFunc func(address string) (Listener, error)

// Options は購読の動作設定
type Options struct {
	DialTimeout          time.Duration // 接続タイムアウト
	ReadTimeout          time.Duration // 受信タイムアウト（超過は正常、受信を継続する）
	ReconnectDelay       time.Duration // 再接続の待機時間
	MaxReconnectAttempts int           // 再接続の最大試行回数
	ReadyMessage         string        // 準備完了を示すメッセージ
}

// DefaultOptions はデフォルトの購読設定を返す
func DefaultOptions() Options {
	return Options{
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 10,
		ReadyMessage:         "I am ready",
	}
}

// tcpListener は生TCP上のイベントチャンネル実装
type tcpListener struct {
	address string
	opts    Options

	events chan Event
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

// Subscribe はイベントチャンネルの購読を開始する
func Subscribe(address string, opts Options) (Listener, error) {
	conn, err := net.DialTimeout("tcp", address, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, address, err)
	}

	l := &tcpListener{
		address: address,
		opts:    opts,
		events:  make(chan Event, 16),
		stopCh:  make(chan struct{}),
		conn:    conn,
	}

	l.wg.Add(1)
	go l.listenLoop(conn)

	return l, nil
}

// Events は受信イベントのチャンネルを返す
func (l *tcpListener) Events() <-chan Event {
	return l.events
}

// Unsubscribe は購読を終了する。何度呼んでも安全
func (l *tcpListener) Unsubscribe() {
	l.once.Do(func() {
		close(l.stopCh)

		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()
	})
}

// listenLoop は受信ループ。接続断時は再接続を試みる
// eventsチャンネルはこのループが所有し、終了時に必ずクローズする
// （再接続の断念も購読者にはクローズとして見える）
func (l *tcpListener) listenLoop(conn net.Conn) {
	defer l.wg.Done()
	defer close(l.events)

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		// 受信タイムアウトを設定して1行読む
		if err := conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout)); err != nil {
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// 受信タイムアウトは正常。受信を継続する
				continue
			}

			select {
			case <-l.stopCh:
				return
			default:
			}

			// 接続断。再接続を試みる
			log.Printf("イベントチャンネルの接続が切断されました: %s: %v", l.address, err)
			next, ok := l.reconnect()
			if !ok {
				return
			}
			conn = next
			reader = bufio.NewReader(conn)
			continue
		}

		message := strings.TrimSpace(line)
		if message == "" {
			continue
		}

		l.deliver(message)
	}
}

// deliver は受信メッセージを型付けしてチャンネルに配送する
func (l *tcpListener) deliver(message string) {
	eventType := TypeOther
	if strings.Contains(strings.ToLower(message), strings.ToLower(l.opts.ReadyMessage)) {
		eventType = TypeReady
	}

	ev := Event{
		Type:       eventType,
		Message:    message,
		ReceivedAt: time.Now(),
	}

	select {
	case l.events <- ev:
	case <-l.stopCh:
	}
}

// reconnect は接続断後の再接続を試みる
// 上限回数に達した場合は購読を終了する
func (l *tcpListener) reconnect() (net.Conn, bool) {
	for attempt := 1; attempt <= l.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-l.stopCh:
			return nil, false
		case <-time.After(l.opts.ReconnectDelay):
		}

		log.Printf("イベントチャンネルの再接続を試みます: %s (%d/%d)",
			l.address, attempt, l.opts.MaxReconnectAttempts)

		conn, err := net.DialTimeout("tcp", l.address, l.opts.DialTimeout)
		if err != nil {
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		log.Printf("イベントチャンネルを再接続しました: %s", l.address)
		return conn, true
	}

	log.Printf("イベントチャンネルの再接続を断念しました: %s", l.address)
	return nil, false
}

// MockListener はテスト用のモックListener実装
type MockListener struct {
	events chan Event
	once   sync.Once
}

// NewMockListener は新しいMockListenerを作成する
func NewMockListener() *MockListener {
	return &MockListener{
		events: make(chan Event, 16),
	}
}

// Events は受信イベントのチャンネルを返す
func (m *MockListener) Events() <-chan Event {
	return m.events
}

// Unsubscribe は購読を終了する。何度呼んでも安全
func (m *MockListener) Unsubscribe() {
	m.once.Do(func() {
		close(m.events)
	})
}

// Push はテストからイベントを注入する
func (m *MockListener) Push(eventType Type, message string) {
	m.events <- Event{
		Type:       eventType,
		Message:    message,
		ReceivedAt: time.Now(),
	}
}

// PushReady は準備完了イベントを注入する
func (m *MockListener) PushReady() {
	m.Push(TypeReady, "I am ready")
}
