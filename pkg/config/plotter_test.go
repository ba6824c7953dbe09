package config

import (
	"math"
	"testing"

	"axidraw-go/pkg/device"
)

func TestDefaultHostConfig(t *testing.T) {
	hc := DefaultHostConfig()
	if hc.Hardware != device.HardwareV3 {
		t.Errorf("expected v3 hardware, got %v", hc.Hardware)
	}
	if hc.MicrostepMode != 1 {
		t.Errorf("expected microstep mode 1, got %d", hc.MicrostepMode)
	}
	if hc.ListenAddr != "127.0.0.1:9080" {
		t.Errorf("unexpected listen address %q", hc.ListenAddr)
	}
	want := device.DefaultTooling(hc.Device)
	if hc.Tooling != want {
		t.Errorf("tooling does not match defaults: %+v", hc.Tooling)
	}
}

func TestLoadHostConfigEmpty(t *testing.T) {
	cfg, err := LoadString("")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	hc, err := LoadHostConfig(cfg)
	if err != nil {
		t.Fatalf("LoadHostConfig failed: %v", err)
	}
	if hc != DefaultHostConfig() {
		t.Errorf("empty config should resolve to defaults")
	}
}

func TestLoadHostConfigDevice(t *testing.T) {
	cfg, err := LoadString(`
[device]
hardware: brushless
steps_per_mm: 10
microstep_mode: 3
port: /dev/ttyACM1
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	hc, err := LoadHostConfig(cfg)
	if err != nil {
		t.Fatalf("LoadHostConfig failed: %v", err)
	}
	if hc.Hardware != device.HardwareBrushless {
		t.Errorf("expected brushless hardware, got %v", hc.Hardware)
	}
	if hc.Device.StepsPerMM != 10 {
		t.Errorf("expected 10 steps/mm, got %f", hc.Device.StepsPerMM)
	}
	if hc.MicrostepMode != 3 {
		t.Errorf("expected microstep mode 3, got %d", hc.MicrostepMode)
	}
	if hc.Port != "/dev/ttyACM1" {
		t.Errorf("unexpected port %q", hc.Port)
	}
	if hc.Device.PenServoPin != 5 {
		t.Errorf("expected brushless servo pin 5, got %d", hc.Device.PenServoPin)
	}
}

func TestLoadHostConfigPen(t *testing.T) {
	cfg, err := LoadString(`
[pen]
up_percent: 40
down_percent: 70
lift_duration: 0.2
drop_duration: 0.1
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	hc, err := LoadHostConfig(cfg)
	if err != nil {
		t.Fatalf("LoadHostConfig failed: %v", err)
	}
	if hc.Tooling.PenUpPos != hc.Device.PenPctToPos(40) {
		t.Errorf("pen up position not resolved from up_percent")
	}
	if hc.Tooling.PenDownPos != hc.Device.PenPctToPos(70) {
		t.Errorf("pen down position not resolved from down_percent")
	}
	if hc.Tooling.PenLiftDuration != 0.2 {
		t.Errorf("expected lift duration 0.2, got %f", hc.Tooling.PenLiftDuration)
	}
	if hc.Tooling.PenDropDuration != 0.1 {
		t.Errorf("expected drop duration 0.1, got %f", hc.Tooling.PenDropDuration)
	}
}

func TestLoadHostConfigProfiles(t *testing.T) {
	cfg, err := LoadString(`
[draw]
acceleration: 100
max_velocity: 25
cornering_factor: 0.2

[travel]
max_velocity: 300
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	hc, err := LoadHostConfig(cfg)
	if err != nil {
		t.Fatalf("LoadHostConfig failed: %v", err)
	}

	// File values are millimetres; the profile stores steps.
	spm := hc.Device.StepsPerMM
	if got := hc.Tooling.PenDownProfile.Acceleration; math.Abs(got-100*spm) > 1e-9 {
		t.Errorf("draw acceleration: got %f, want %f", got, 100*spm)
	}
	if got := hc.Tooling.PenDownProfile.MaxVelocity; math.Abs(got-25*spm) > 1e-9 {
		t.Errorf("draw max velocity: got %f, want %f", got, 25*spm)
	}
	if got := hc.Tooling.PenDownProfile.CorneringFactor; math.Abs(got-0.2*spm) > 1e-9 {
		t.Errorf("draw cornering factor: got %f, want %f", got, 0.2*spm)
	}

	// Unset travel options keep their defaults.
	def := device.DefaultTooling(hc.Device).PenUpProfile
	if got := hc.Tooling.PenUpProfile.MaxVelocity; math.Abs(got-300*spm) > 1e-9 {
		t.Errorf("travel max velocity: got %f, want %f", got, 300*spm)
	}
	if hc.Tooling.PenUpProfile.Acceleration != def.Acceleration {
		t.Errorf("travel acceleration should keep its default")
	}
}

func TestLoadHostConfigServer(t *testing.T) {
	cfg, err := LoadString(`
[server]
listen: 0.0.0.0:8123
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	hc, err := LoadHostConfig(cfg)
	if err != nil {
		t.Fatalf("LoadHostConfig failed: %v", err)
	}
	if hc.ListenAddr != "0.0.0.0:8123" {
		t.Errorf("unexpected listen address %q", hc.ListenAddr)
	}
}

func TestLoadHostConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad hardware", "[device]\nhardware: v9\n"},
		{"microstep mode out of range", "[device]\nmicrostep_mode: 6\n"},
		{"pen percent out of range", "[pen]\nup_percent: 150\n"},
		{"negative acceleration", "[draw]\nacceleration: -10\n"},
		{"unused option", "[device]\nhardwarre: v3\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadString(tc.data)
			if err != nil {
				t.Fatalf("LoadString failed: %v", err)
			}
			if _, err := LoadHostConfig(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
