package logger

import "testing"

func TestNewLevelsAndFormats(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Level: "debug", Format: "console"}, false},
		{Config{Level: "info", Format: "json"}, false},
		{Config{Level: "", Format: ""}, false},
		{Config{Level: "WARN", Format: "json"}, false},
		{Config{Level: "verbose", Format: "json"}, true},
		{Config{Level: "info", Format: "xml"}, true},
	}

	for _, tt := range tests {
		log, err := New(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%+v) expected error", tt.cfg)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%+v) unexpected error: %v", tt.cfg, err)
		}
		log.Named("test").With(String("k", "v")).Debug("hello", Int("n", 1))
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNop()
	log.Info("discarded", Error(nil), Duration("d", 0))
	if err := log.Sync(); err != nil {
		t.Fatalf("Sync on nop logger: %v", err)
	}
}
