package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Settlement.Payer != PayerClientWallet {
		t.Fatalf("expected client_wallet payer, got %s", cfg.Settlement.Payer)
	}
	if _, ok := cfg.CancelReason("changed_mind"); !ok {
		t.Fatalf("expected changed_mind cancel reason")
	}
	if l, ok := cfg.DisputeReason("no_show"); !ok || l.AR == "" {
		t.Fatalf("expected bilingual no_show dispute reason")
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("policy:\n  max_start_requests: 3\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Policy.MaxStartRequests != 3 {
		t.Fatalf("expected override, got %d", cfg.Policy.MaxStartRequests)
	}
	if cfg.Settlement.CommissionBPS != 1000 {
		t.Fatalf("expected default commission, got %d", cfg.Settlement.CommissionBPS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown payer":     "settlement:\n  payer: bank\n",
		"commission > 100%": "settlement:\n  commission_bps: 12000\n",
		"negative limit":    "policy:\n  max_finish_requests: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCommission(t *testing.T) {
	cfg := Default()
	if got := cfg.Commission(1999); got != 199 {
		t.Fatalf("expected 199, got %d", got)
	}
	cfg.Settlement.CommissionBPS = 0
	if got := cfg.Commission(1999); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestCommissionDoesNotOverflow(t *testing.T) {
	cfg := Default()
	cases := []struct {
		amount int64
		bps    int64
		want   int64
	}{
		{amount: 10_000_000_000_000_000, bps: 1000, want: 1_000_000_000_000_000},
		{amount: math.MaxInt64, bps: 1000, want: math.MaxInt64 / 10},
		{amount: math.MaxInt64, bps: 10000, want: math.MaxInt64},
		{amount: 12345, bps: 250, want: 308},
	}
	for _, c := range cases {
		cfg.Settlement.CommissionBPS = c.bps
		got := cfg.Commission(c.amount)
		if got != c.want {
			t.Fatalf("Commission(%d) at %d bps = %d, want %d", c.amount, c.bps, got, c.want)
		}
		if got < 0 || got > c.amount {
			t.Fatalf("commission %d outside [0, %d]", got, c.amount)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bidline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify.QueueSize != 256 {
		t.Fatalf("expected queue size 256, got %d", cfg.Notify.QueueSize)
	}
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte("webhooks:\n  - url: http://hooks.local/a\n    events: [booking.settled]\n  - url: \"\"\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if len(cfg.Webhooks) != 2 || !cfg.Webhooks[0].Active() || cfg.Webhooks[1].Active() {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
	if _, err := FromYAML([]byte("webhooks:\n  - events: [booking.settled]\n")); err == nil {
		t.Fatalf("expected error for webhook without url")
	}
}
