package display

import "testing"

func TestStubReasonCaption(t *testing.T) {
	cases := map[StubReason]string{
		StubUser:          "No Signal (stream paused)",
		StubBadResolution: "Unsupported Resolution",
		StubBadFormat:     "Unsupported Format",
		StubNoSignal:      "No Signal",
		StubBusy:          "Device Busy",
		StubNone:          "",
	}
	for reason, want := range cases {
		if got := reason.Caption(); got != want {
			t.Errorf("Caption(%v) = %q, want %q", reason, got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	if Closed.String() != "closed" || OpenForDMA.String() != "dma" || OpenForStub.String() != "stub" {
		t.Fatal("unexpected State.String() values")
	}
}

func TestSysfsStatusPath(t *testing.T) {
	got := sysfsStatusPath("/dev/dri/card0", "HDMI-A-1")
	want := "/sys/class/drm/card0-HDMI-A-1/status"
	if got != want {
		t.Errorf("sysfsStatusPath = %q, want %q", got, want)
	}
	if p := sysfsStatusPath("/dev/dri/card0", ""); p != "" {
		t.Errorf("expected empty path when connector name is unknown, got %q", p)
	}
}

func TestModeFromInfoDefaultsRefresh(t *testing.T) {
	m := modeFromInfo(drmModeModeInfo{HDisplay: 1920, VDisplay: 1080, VRefresh: 0})
	if m.w != 1920 || m.h != 1080 {
		t.Fatalf("mode dims = %dx%d, want 1920x1080", m.w, m.h)
	}
	if m.vsync <= 0 {
		t.Fatal("expected a positive vsync period even with VRefresh=0")
	}
}
