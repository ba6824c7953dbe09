package ebb

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		reply   string
		want    Version
		wantErr bool
	}{
		{"EBBv13_and_above EB Firmware Version 2.6.2", Version{2, 6, 2}, false},
		{"EBBv13_and_above Protocol emulating EB Firmware Version 2.5.3", Version{2, 5, 3}, false},
		{"2.0.1", Version{2, 0, 1}, false},
		{"EBB Firmware 3.0.0-a2", Version{}, true},
		{"EBB Firmware Version two", Version{}, true},
		{"", Version{}, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.reply)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVersion(%q): expected error", tt.reply)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", tt.reply, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestVersionGates(t *testing.T) {
	tests := []struct {
		v       Version
		lm, sr  bool
	}{
		{Version{2, 4, 9}, false, false},
		{Version{2, 5, 2}, false, false},
		{Version{2, 5, 3}, true, false},
		{Version{2, 5, 9}, true, false},
		{Version{2, 6, 0}, true, true},
		{Version{2, 6, 2}, true, true},
		{Version{3, 0, 0}, true, true},
	}
	for _, tt := range tests {
		if got := tt.v.SupportsLM(); got != tt.lm {
			t.Errorf("%v SupportsLM = %v, want %v", tt.v, got, tt.lm)
		}
		if got := tt.v.SupportsSR(); got != tt.sr {
			t.Errorf("%v SupportsSR = %v, want %v", tt.v, got, tt.sr)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{2, 5, 3}
	if !v.AtLeast(2, 5, 3) {
		t.Error("version should be at least itself")
	}
	if !v.AtLeast(1, 9, 9) {
		t.Error("2.5.3 should be at least 1.9.9")
	}
	if v.AtLeast(2, 6, 0) {
		t.Error("2.5.3 should not be at least 2.6.0")
	}
	if v.AtLeast(2, 5, 4) {
		t.Error("2.5.3 should not be at least 2.5.4")
	}
}
