package cli

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tendant/detect-pipeline/internal/config"
)

func TestFlags_OverrideConfig(t *testing.T) {
	var f Flags
	cmd := &cobra.Command{Use: "test"}
	f.Register(cmd)
	if err := cmd.ParseFlags([]string{"--addr", ":9000", "--upload-mode", "produced", "-w", "4", "--inbox", "incoming/"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg := config.Default()
	if err := f.Apply(&cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.UploadMode != "produced" || cfg.Workers != 4 || cfg.InboxPrefix != "incoming/" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.OutboxPrefix != "predictions/" {
		t.Errorf("unset flag changed outbox to %q", cfg.OutboxPrefix)
	}
}

func TestFlags_ApplyValidates(t *testing.T) {
	f := Flags{Workers: 3}
	cfg := config.Default()
	if err := f.Apply(&cfg); !errors.Is(err, config.ErrFatalSetup) {
		t.Fatalf("Apply() error = %v, want ErrFatalSetup for scan mode with workers", err)
	}
}

func TestInitLogging_AppliesConfiguredLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	InitLogging(cfg)

	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", got)
	}
}
