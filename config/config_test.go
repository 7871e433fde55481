package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want 64", cfg.BatchSize)
	}
	if cfg.BatchMaxWait != 100*time.Millisecond {
		t.Errorf("BatchMaxWait = %v, want 100ms", cfg.BatchMaxWait)
	}
	if cfg.ConfidenceThreshold != 0.70 {
		t.Errorf("ConfidenceThreshold = %v, want 0.70", cfg.ConfidenceThreshold)
	}
	if cfg.MissTolerance != 1 {
		t.Errorf("MissTolerance = %d, want 1", cfg.MissTolerance)
	}
	if cfg.ChatHardWatchdog != 45*time.Second {
		t.Errorf("ChatHardWatchdog = %v, want 45s", cfg.ChatHardWatchdog)
	}
	if cfg.DedupWindow != 5000 {
		t.Errorf("DedupWindow = %d, want 5000", cfg.DedupWindow)
	}
	if cfg.MaxCommentLength != 5000 {
		t.Errorf("MaxCommentLength = %d, want 5000", cfg.MaxCommentLength)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "32")
	t.Setenv("BATCH_MAX_WAIT", "250ms")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("MISS_TOLERANCE", "3")
	t.Setenv("CLASSIFIER_URL", "http://classifier:8000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BatchSize != 32 {
		t.Errorf("BatchSize = %d, want 32", cfg.BatchSize)
	}
	if cfg.BatchMaxWait != 250*time.Millisecond {
		t.Errorf("BatchMaxWait = %v, want 250ms", cfg.BatchMaxWait)
	}
	if cfg.ConfidenceThreshold != 0.9 {
		t.Errorf("ConfidenceThreshold = %v, want 0.9", cfg.ConfidenceThreshold)
	}
	if cfg.MissTolerance != 3 {
		t.Errorf("MissTolerance = %d, want 3", cfg.MissTolerance)
	}
	if cfg.ClassifierURL != "http://classifier:8000" {
		t.Errorf("ClassifierURL = %q, want trailing slash trimmed", cfg.ClassifierURL)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("CONFIDENCE_THRESHOLD", "2.5")
	t.Setenv("BATCH_MAX_WAIT", "-5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want default 64 on invalid value", cfg.BatchSize)
	}
	if cfg.ConfidenceThreshold != 0.70 {
		t.Errorf("ConfidenceThreshold = %v, want default 0.70 on out-of-range value", cfg.ConfidenceThreshold)
	}
	if cfg.BatchMaxWait != 100*time.Millisecond {
		t.Errorf("BatchMaxWait = %v, want default 100ms on negative value", cfg.BatchMaxWait)
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []Channel
		wantErr bool
	}{
		{
			name: "single youtube channel",
			raw:  "CAZETV=@CazeTV",
			want: []Channel{{Display: "CAZETV", Handle: "@CazeTV", Platform: "youtube"}},
		},
		{
			name: "preseeded channel id",
			raw:  "CAZETV=@CazeTV/UCABCDEFGHIJKLMNOPQRSTUV",
			want: []Channel{{Display: "CAZETV", Handle: "@CazeTV", ChannelID: "UCABCDEFGHIJKLMNOPQRSTUV", Platform: "youtube"}},
		},
		{
			name: "twitch channel",
			raw:  "SOMETW=twitch:somechannel",
			want: []Channel{{Display: "SOMETW", Handle: "somechannel", Platform: "twitch"}},
		},
		{
			name: "multiple with whitespace",
			raw:  " A=@a , B=twitch:b ",
			want: []Channel{
				{Display: "A", Handle: "@a", Platform: "youtube"},
				{Display: "B", Handle: "b", Platform: "twitch"},
			},
		},
		{
			name:    "missing handle",
			raw:     "CAZETV=",
			wantErr: true,
		},
		{
			name:    "missing separator",
			raw:     "CAZETV",
			wantErr: true,
		},
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChannels(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseChannels(%q) error = nil, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseChannels(%q) unexpected error: %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseChannels(%q) = %d channels, want %d", tt.raw, len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("channel %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
