// Package main は検査サーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kenpin/internal/config"
	"kenpin/internal/device"
	"kenpin/internal/event"
	"kenpin/internal/inspection"
	"kenpin/internal/server"
	"kenpin/internal/session"
)

func main() {
	// コマンドラインオプション
	var (
		host = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		help = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Kenpin - 量産カメラ検査サーバー")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
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
	log.Printf("Kenpin サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
