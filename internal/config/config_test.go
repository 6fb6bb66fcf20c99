package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "gatebot/pkg/logx"
)

const validYAML = `
telegram:
  token: "123:abc"
  channel_id: -1001234
  log_chat_id: -1005678
  admin_user_ids: [111, 222]
  poll_timeout: 30s
logging:
  level: info
  console: true
gate:
  approval_delay: 10m
broadcast:
  progress_every: 50
scheduler:
  timezone: Europe/Berlin
  digest_cron: "0 9 * * *"
storage:
  driver: sqlite
  path: ./gatebot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.ChannelID != -1001234 || !slices.Equal(cfg.Telegram.AdminUserIDs, []int64{111, 222}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if DurationOr(cfg.Gate.ApprovalDelay, time.Minute) != 10*time.Minute {
		t.Fatalf("approval_delay = %q", cfg.Gate.ApprovalDelay)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the committed config")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown yaml field", "c.yaml", validYAML + "\nextra: 1\n"},
		{"unknown nested field", "c.yaml", strings.Replace(validYAML, "approval_delay", "approval_dely", 1)},
		{"trailing json", "c.json", `{"telegram":{}} {}`},
		{"bad yaml", "c.yml", "telegram: [unclosed"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Decode(c.file, []byte(c.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base, err := Decode("c.yaml", []byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"token":          func(c *Config) { c.Telegram.Token = " " },
		"channel_id":     func(c *Config) { c.Telegram.ChannelID = 0 },
		"admin_user_ids": func(c *Config) { c.Telegram.AdminUserIDs = []int64{-5} },
		"approval_delay": func(c *Config) { c.Gate.ApprovalDelay = "soon" },
		"storage.driver": func(c *Config) { c.Storage.Driver = "redis" },
		"storage.path":   func(c *Config) { c.Storage.Path = "" },
		"progress_every": func(c *Config) { c.Broadcast.ProgressEvery = -1 },
		"retry_base":     func(c *Config) { c.Notifier = &NotifierConfig{RetryBase: "-1s"} },
	}
	for want, mutate := range cases {
		c := *base
		mutate(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: err = %v", want, err)
		}
	}
}

func TestDiffRestartFields(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(validYAML))
	b, _ := Decode("c.yaml", []byte(validYAML))
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("identical configs differ: %v", ch.Sections)
	}

	b.Telegram.AdminUserIDs = []int64{111}
	b.Gate.ApprovalDelay = "1m"
	b.Storage.Path = "/elsewhere.db"
	b.Ops.Token = "secret"
	ch := Diff(a, b)
	for _, s := range []string{"telegram", "gate", "storage", "ops"} {
		if !slices.Contains(ch.Sections, s) {
			t.Errorf("sections %v missing %s", ch.Sections, s)
		}
	}
	if !slices.Equal(ch.Restart, []string{"storage"}) {
		t.Fatalf("restart = %v, want [storage]", ch.Restart)
	}
}

func TestReloadPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not published
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config published")
	default:
	}

	// invalid content is rejected
	_ = os.WriteFile(path, []byte(strings.Replace(validYAML, "path: ./gatebot.db", "path: \"\"", 1)), 0o600)
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("invalid config published")
	default:
	}

	// validator veto
	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	_ = os.WriteFile(path, []byte(strings.Replace(validYAML, "10m", "20m", 1)), 0o600)
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("vetoed config published")
	default:
	}

	m.SetValidator(nil)
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Gate.ApprovalDelay != "20m" {
			t.Fatalf("published approval_delay = %q", cfg.Gate.ApprovalDelay)
		}
	default:
		t.Fatal("valid change not published")
	}
	if m.Get().Gate.ApprovalDelay != "20m" {
		t.Fatal("valid change not committed")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	body := strings.Replace(validYAML, "progress_every: 50", "progress_every: 75", 1)
	for {
		select {
		case cfg := <-sub:
			if cfg.Broadcast.ProgressEvery != 75 {
				t.Fatalf("progress_every = %d", cfg.Broadcast.ProgressEvery)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up and sees it
			_ = os.WriteFile(path, []byte(body), 0o600)
		case <-deadline:
			t.Fatal("watch did not publish the change")
		}
	}
}

func TestYAMLExpandsEnvInStrings(t *testing.T) {
	t.Setenv("GATEBOT_TEST_TOKEN", "999:secret")
	body := strings.Replace(validYAML, `token: "123:abc"`, `token: "${GATEBOT_TEST_TOKEN}"`, 1)
	cfg, err := Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "999:secret" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChannelID != -1001234 {
		t.Fatalf("numbers must not go through env expansion: %d", cfg.Telegram.ChannelID)
	}

	unset := strings.Replace(validYAML, `token: "123:abc"`, `token: "${GATEBOT_TEST_UNSET}"`, 1)
	cfg, err = Decode("c.yaml", []byte(unset))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("Validate with unset token = %v", err)
	}
}

func TestYAMLDuplicateKeyRejected(t *testing.T) {
	t.Parallel()
	body := validYAML + "\nstorage:\n  driver: file\n  path: ./x\n"
	if _, err := Decode("c.yaml", []byte(body)); err == nil {
		t.Fatal("duplicate top-level key accepted")
	}
}
