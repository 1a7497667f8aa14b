package sqliteconfig

import (
	"errors"
	"strings"
	"testing"
)

func TestToURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{
			name: "memory",
			cfg:  Memory(),
			want: ":memory:?_pragma=foreign_keys=ON",
		},
		{
			name: "default",
			cfg:  Default("/var/lib/impersonate/db.sqlite"),
			want: "file:/var/lib/impersonate/db.sqlite?_txlock=immediate&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=wal_autocheckpoint=1000&_pragma=synchronous=NORMAL&_pragma=foreign_keys=ON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ToURL()
			if err != nil {
				t.Fatalf("ToURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings("db.sqlite", false, 1000)
	if cfg.JournalMode != JournalModeDelete || cfg.WALAutocheckpoint != -1 {
		t.Errorf("expected rollback journal without checkpointing, got %+v", cfg)
	}
	url, err := cfg.ToURL()
	if err != nil {
		t.Fatalf("ToURL: %v", err)
	}
	if strings.Contains(url, "wal_autocheckpoint") {
		t.Errorf("unexpected checkpoint pragma in %q", url)
	}

	cfg = FromSettings("db.sqlite", true, 500)
	if cfg.JournalMode != JournalModeWAL || cfg.WALAutocheckpoint != 500 {
		t.Errorf("expected WAL with checkpoint 500, got %+v", cfg)
	}

	if FromSettings(":memory:", true, 1000).Path != ":memory:" {
		t.Error("expected memory configuration")
	}
}

func TestValidate(t *testing.T) {
	if _, err := (&Config{}).ToURL(); !errors.Is(err, ErrPathEmpty) {
		t.Errorf("expected empty path error, got %v", err)
	}
	if err := (&Config{Path: "x", JournalMode: "BOGUS"}).Validate(); !errors.Is(err, ErrInvalidJournalMode) {
		t.Errorf("expected journal mode error, got %v", err)
	}
	if err := (&Config{Path: "x", BusyTimeout: -1}).Validate(); !errors.Is(err, ErrBusyTimeoutNegative) {
		t.Errorf("expected busy timeout error, got %v", err)
	}
}
