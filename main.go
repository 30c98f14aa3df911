package main

import (
	"context"
	"log"
	"time"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/event"
	"kenpin/internal/inspection"
	"kenpin/internal/server"
	"kenpin/internal/session"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドチャンネルとイベントチャンネルの接続関数を用意する
	open := func(address string, timeout time.Duration) (device.Transport, error) {
		return device.Open(address, cfg.Telnet.Username, timeout)
	}
	subscribe := func(address string) (event.Listener, error) {
		opts := event.DefaultOptions()
		opts.ReadTimeout = cfg.Event.ReadTimeout
		opts.ReconnectDelay = cfg.Event.ReconnectDelay
		opts.MaxReconnectAttempts = cfg.Event.MaxReconnectAttempts
		opts.ReadyMessage = cfg.Event.ReadyMessage
		return event.Subscribe(address, opts)
	}

	// セッションプールと検査マネージャーを作成する
	pool := session.NewPool(cfg, open, subscribe)
	manager := inspection.NewManager(cfg, inspection.NewMemorySink())

	// サーバーを作成
	srv := server.New(cfg, pool, manager)

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを起動
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
