package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Telnet TelnetConfig `yaml:"telnet"`
	Event  EventConfig  `yaml:"event"`
	Pool   PoolConfig   `yaml:"pool"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// TelnetConfig はカメラのコマンドチャンネル（Telnet）の設定
type TelnetConfig struct {
	Port     int    `yaml:"port"`     // コマンドチャンネルのポート番号
	Username string `yaml:"username"` // ログインユーザー名（パスワードレス）

	ConnectTimeout time.Duration `yaml:"connect_timeout"` // 接続タイムアウト
	CommandTimeout time.Duration `yaml:"command_timeout"` // コマンド実行タイムアウト
}

// EventConfig はカメラの準備完了イベントチャンネルの設定
type EventConfig struct {
	// イベントチャンネルのポートはコマンドチャンネルのポートに
	// 固定オフセットを加えて導出する
	PortOffset int `yaml:"port_offset"`

	ReadTimeout          time.Duration `yaml:"read_timeout"`           // 受信タイムアウト
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`        // 再接続の待機時間
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 再接続の最大試行回数
	ReadyMessage         string        `yaml:"ready_message"`          // 準備完了を示すメッセージ
	ReadyCeiling         time.Duration `yaml:"ready_ceiling"`          // 準備完了待ちの上限時間
}

// PoolConfig はセッションプールの設定
type PoolConfig struct {
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`    // ヘルスチェック間隔
	HealthFailureThreshold int           `yaml:"health_failure_threshold"` // Failedに遷移する連続失敗回数
	RetryBaseDelay         time.Duration `yaml:"retry_base_delay"`         // 再接続バックオフの初期値
	RetryMaxDelay          time.Duration `yaml:"retry_max_delay"`          // 再接続バックオフの上限
	FailureCeiling         int           `yaml:"failure_ceiling"`          // セッションを打ち切る累積失敗回数
	MaxConcurrentConnects  int           `yaml:"max_concurrent_connects"`  // 同時接続試行数の上限
}

// Load は設定を読み込む
// デフォルト値 → 設定ファイル（CONFIG_FILE） → 環境変数 の順で適用する
func Load() (*Config, error) {
	cfg := Default()

	// 設定ファイルが指定されていれば読み込む
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// 環境変数で上書き
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Telnet.Port = getEnvAsIntOrDefault("TELNET_PORT", cfg.Telnet.Port)
	cfg.Telnet.Username = getEnvOrDefault("TELNET_USER", cfg.Telnet.Username)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Telnet: TelnetConfig{
			Port:           23,
			Username:       "root",
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 10 * time.Second,
		},
		Event: EventConfig{
			PortOffset:           8057, // 23 + 8057 = 8080（PCB側のイベントポート）
			ReadTimeout:          30 * time.Second,
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 10,
			ReadyMessage:         "I am ready",
			ReadyCeiling:         5 * time.Minute,
		},
		Pool: PoolConfig{
			HealthCheckInterval:    60 * time.Second,
			HealthFailureThreshold: 3,
			RetryBaseDelay:         2 * time.Second,
			RetryMaxDelay:          60 * time.Second,
			FailureCeiling:         10,
			MaxConcurrentConnects:  8,
		},
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なサーバーポート番号: %d", c.Server.Port)
	}

	if c.Telnet.Port < 1 || c.Telnet.Port > 65535 {
		return fmt.Errorf("無効なTelnetポート番号: %d", c.Telnet.Port)
	}

	if c.Telnet.Username == "" {
		return fmt.Errorf("Telnetユーザー名が設定されていません")
	}

	eventPort := c.Telnet.Port + c.Event.PortOffset
	if eventPort < 1 || eventPort > 65535 {
		return fmt.Errorf("無効なイベントポート番号: %d", eventPort)
	}

	if c.Event.ReadyCeiling <= 0 {
		return fmt.Errorf("準備完了待ちの上限時間が設定されていません")
	}

	if c.Pool.HealthCheckInterval <= 0 {
		return fmt.Errorf("ヘルスチェック間隔が設定されていません")
	}

	if c.Pool.HealthFailureThreshold <= 0 {
		return fmt.Errorf("無効なヘルスチェック失敗しきい値: %d", c.Pool.HealthFailureThreshold)
	}

	if c.Pool.MaxConcurrentConnects <= 0 {
		return fmt.Errorf("無効な同時接続試行数: %d", c.Pool.MaxConcurrentConnects)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CommandAddress はカメラのコマンドチャンネルのアドレスを返す
func (c *Config) CommandAddress(host string) string {
	return fmt.Sprintf("%s:%d", host, c.Telnet.Port)
}

// EventAddress はカメラのイベントチャンネルのアドレスを返す
// コマンドチャンネルのポートに固定オフセットを加えて導出する
func (c *Config) EventAddress(host string) string {
	return fmt.Sprintf("%s:%d", host, c.Telnet.Port+c.Event.PortOffset)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
