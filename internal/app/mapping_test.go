package app

import (
	"context"
	"testing"
	"time"

	"gatebot/internal/config"
	logx "gatebot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", ChannelID: -100, LogChatID: -200, AdminUserIDs: []int64{1}},
		Storage:  config.StorageConfig{Path: "./gatebot.db"},
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		enabled bool
	}{
		{"log chat without section", func(*config.Config) {}, true},
		{"no log chat", func(c *config.Config) { c.Telegram.LogChatID = 0 }, false},
		{"section disables", func(c *config.Config) { c.Notifier = &config.NotifierConfig{Enabled: false} }, false},
		{"section enables", func(c *config.Config) { c.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "2s"} }, true},
		{"section without log chat", func(c *config.Config) {
			c.Telegram.LogChatID = 0
			c.Notifier = &config.NotifierConfig{Enabled: true}
		}, false},
	}
	for _, c := range cases {
		cfg := baseConfig()
		c.mutate(cfg)
		got := mapNotifierConfig(cfg)
		if got.Enabled != c.enabled {
			t.Errorf("%s: enabled = %v, want %v", c.name, got.Enabled, c.enabled)
		}
		if got.ChatID != cfg.Telegram.LogChatID {
			t.Errorf("%s: chat = %d", c.name, got.ChatID)
		}
	}

	cfg := baseConfig()
	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "2s", DedupWindow: "1m"}
	if got := mapNotifierConfig(cfg); got.RetryBase != 2*time.Second || got.DedupWindow != time.Minute {
		t.Fatalf("durations = %+v", got)
	}
}

func TestMapStorageDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	got := mapStorageConfig(cfg)
	if got.Driver != "sqlite" || got.BusyTimeout != time.Second || got.Path != "./gatebot.db" {
		t.Fatalf("storage = %+v", got)
	}
	cfg.Storage.Driver = " FILE "
	if got := mapStorageConfig(cfg); got.Driver != "file" {
		t.Fatalf("driver = %q", got.Driver)
	}
}

func TestMapLoggingNeedsLogChat(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Logging.Telegram.Enabled = true
	if !mapLoggingConfig(cfg).Telegram.Enabled {
		t.Fatal("telegram logging should be on with a log chat")
	}
	cfg.Telegram.LogChatID = 0
	if mapLoggingConfig(cfg).Telegram.Enabled {
		t.Fatal("telegram logging without a target")
	}
}

func TestMapDurationsFallBack(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if got := mapAdapterConfig(cfg); got.PollTimeout != 10*time.Second || got.SendTimeout != 15*time.Second {
		t.Fatalf("adapter = %+v", got)
	}
	if got := mapRouterConfig(cfg).Timeout; got != 30*time.Second {
		t.Fatalf("handler timeout = %s", got)
	}
	cfg.Gate.ApprovalDelay = "90s"
	if got := mapGateConfig(cfg); got.ApprovalDelay != 90*time.Second || got.ChannelID != -100 {
		t.Fatalf("gate = %+v", got)
	}
	cfg.Ops = config.OpsConfig{Enabled: true, Addr: " 127.0.0.1:7070 ", ReadTimeout: "5s"}
	if got := mapOpsConfig(cfg); got.Addr != "127.0.0.1:7070" || got.ReadTimeout != 5*time.Second || got.WriteTimeout != time.Minute {
		t.Fatalf("ops = %+v", got)
	}
}

func TestValidateReload(t *testing.T) {
	t.Parallel()
	m := config.NewManager("unused.yaml", logx.Nop())
	m.Commit(baseConfig())
	a := &App{cfgm: m}

	ok := baseConfig()
	ok.Scheduler.Timezone = "UTC"
	if err := a.validateReload(context.Background(), ok); err != nil {
		t.Fatalf("valid reload rejected: %v", err)
	}

	badTZ := baseConfig()
	badTZ.Scheduler.Timezone = "Mars/Olympus"
	if err := a.validateReload(context.Background(), badTZ); err == nil {
		t.Fatal("bad timezone accepted")
	}

	moved := baseConfig()
	moved.Telegram.ChannelID = -999
	if err := a.validateReload(context.Background(), moved); err == nil {
		t.Fatal("channel change accepted")
	}
}
