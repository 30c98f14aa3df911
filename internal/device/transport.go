package device

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// エラー種別
var (
	ErrConnectTimeout = errors.New("接続がタイムアウトしました")
	ErrConnectRefused = errors.New("接続が拒否されました")
	ErrWriteTimeout   = errors.New("コマンド送信がタイムアウトしました")
	ErrReadTimeout    = errors.New("応答待ちがタイムアウトしました")
	ErrClosed         = errors.New("コマンドチャンネルはクローズされています")
	ErrProtocol       = errors.New("不正な応答を受信しました")
)

// Transport は1台のカメラへのコマンドチャンネルを表すインターフェース
type Transport interface {
	// Send は1行のコマンドを送信し、1行の応答を待つ
	// 同時呼び出しは許可されない（呼び出し側で直列化する）
	Send(line string, timeout time.Duration) (string, error)

	// Close は接続を解放する。何度呼んでも安全
	Close() error
}

// OpenFunc はTransportを開く関数の型
// テストではモック実装に差し替える
type OpenFunc func(address string, timeout time.Duration) (Transport, error)

// telnetTransport はTCP上の行指向プロトコルによるTransport実装
type telnetTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// Open はコマンドチャンネルを開き、ログインハンドシェイクを行う
func Open(address, username string, timeout time.Duration) (Transport, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%s: %w", address, ErrConnectTimeout)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%s: %w", address, ErrConnectRefused)
		}
		return nil, fmt.Errorf("%s への接続に失敗: %w", address, err)
	}

	t := &telnetTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	if err := t.login(username, timeout); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("ログインハンドシェイクに失敗: %w", err)
	}

	return t, nil
}

// login はパスワードレスのログインハンドシェイクを行う
// プロンプトを待ってユーザー名を送るだけの簡易な手順
func (t *telnetTransport) login(username string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// ログインプロンプト（"login:" など）を待つ
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	prompt, err := t.reader.ReadString(':')
	if err != nil {
		if isTimeout(err) {
			return ErrReadTimeout
		}
		return err
	}

	lower := strings.ToLower(prompt)
	if !strings.Contains(lower, "login") && !strings.Contains(lower, "user") {
		return fmt.Errorf("%w: 予期しないプロンプト %q", ErrProtocol, strings.TrimSpace(prompt))
	}

	// ユーザー名を送信
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := t.conn.Write([]byte(username + "\n")); err != nil {
		if isTimeout(err) {
			return ErrWriteTimeout
		}
		return err
	}

	// シェルプロンプトまで読み捨てる
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	banner, err := t.reader.ReadString('#')
	if err != nil {
		if isTimeout(err) {
			return ErrReadTimeout
		}
		return err
	}

	// 認証拒否の検出
	lower = strings.ToLower(banner)
	for _, keyword := range []string{"incorrect", "failed", "denied", "invalid"} {
		if strings.Contains(lower, keyword) {
			return fmt.Errorf("認証が拒否されました: %s", strings.TrimSpace(banner))
		}
	}

	return nil
}

// Send は1行のコマンドを送信し、1行の応答を待つ
func (t *telnetTransport) Send(line string, timeout time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}

	deadline := time.Now().Add(timeout)

	// コマンドを送信
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return "", err
	}
	if _, err := t.conn.Write([]byte(line + "\n")); err != nil {
		if isTimeout(err) {
			return "", ErrWriteTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrClosed, err)
	}

	// 応答を1行読む
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	response, err := t.reader.ReadString('\n')
	if err != nil {
		if isTimeout(err) {
			return "", ErrReadTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrClosed, err)
	}

	response = strings.TrimSpace(response)

	// コマンドのエコーバックを取り除く
	if strings.HasPrefix(response, line) {
		response = strings.TrimSpace(strings.TrimPrefix(response, line))
	}

	return response, nil
}

// Close は接続を解放する。何度呼んでも安全
func (t *telnetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	return t.conn.Close()
}

// isTimeout はネットワークエラーがタイムアウトかどうかを判定する
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MockTransport はテスト用のモックTransport実装
type MockTransport struct {
	mu sync.Mutex

	// テスト制御用
	responses map[string]string // コマンド行 → 応答行
	sendErr   error             // Sendで返すエラー
	errOnce   bool              // エラーを1回だけ返す
	delay     time.Duration     // 応答前の待機時間
	closed    bool

	// 記録
	SentLines   []string
	inFlight    int32 // 実行中のSend数
	maxInFlight int32 // 同時実行の最大値（直列化の検証用）
}

// NewMockTransport は新しいMockTransportを作成する
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string]string),
	}
}

// SetResponse はコマンド行に対する応答を設定する
func (m *MockTransport) SetResponse(line, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[line] = response
}

// SetSendError はSendで返すエラーを設定する
// once がtrueの場合、エラーは1回だけ返す
func (m *MockTransport) SetSendError(err error, once bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	m.errOnce = once
}

// SetDelay は応答前の待機時間を設定する
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// MaxInFlight は同時に実行されたSendの最大数を返す
func (m *MockTransport) MaxInFlight() int {
	return int(atomic.LoadInt32(&m.maxInFlight))
}

// Send はモックの応答を返す
func (m *MockTransport) Send(line string, timeout time.Duration) (string, error) {
	current := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, current) {
			break
		}
	}

	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	m.SentLines = append(m.SentLines, line)

	if m.sendErr != nil {
		err := m.sendErr
		if m.errOnce {
			m.sendErr = nil
		}
		return "", err
	}

	if response, ok := m.responses[line]; ok {
		return response, nil
	}

	return "OK", nil
}

// Close はモックをクローズ状態にする
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed はクローズされたかどうかを返す
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Sent は送信されたコマンド行のコピーを返す
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, len(m.SentLines))
	copy(lines, m.SentLines)
	return lines
}
