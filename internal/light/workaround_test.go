package light

import (
	"testing"
	"time"

	"zwave-go-home/internal/channel"
	"zwave-go-home/internal/color"
)

func TestWorkaroundLookup(t *testing.T) {
	tests := []struct {
		name         string
		manufacturer string
		product      string
		want         Workaround
	}{
		{"zw098 prefixed", "0x0086", "0x0062", WorkaroundZW098},
		{"zw098 bare", "86", "62", WorkaroundZW098},
		{"zw098 padded", " 0086 ", "0062\n", WorkaroundZW098},
		{"other product", "0x0086", "0x0063", WorkaroundNone},
		{"blank manufacturer", "  ", "0x0062", WorkaroundNone},
		{"blank product", "0x0086", "", WorkaroundNone},
		{"unparsable", "aeotec", "0x0062", WorkaroundNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultWorkarounds.Lookup(tt.manufacturer, tt.product); got != tt.want {
				t.Errorf("Lookup(%q, %q) = %q, want %q", tt.manufacturer, tt.product, got, tt.want)
			}
		})
	}
}

func TestWorkaroundTableOverlay(t *testing.T) {
	table := NewWorkaroundTable(map[DeviceKey]Workaround{
		{Manufacturer: 0x10, Product: 0x20}: WorkaroundZW098,
	})
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
	if got := table.Lookup("10", "20"); got != WorkaroundZW098 {
		t.Errorf("extra entry = %q", got)
	}
	if got := table.Lookup("0x86", "0x62"); got != WorkaroundZW098 {
		t.Errorf("builtin entry = %q", got)
	}
	if DefaultWorkarounds.Lookup("10", "20") != WorkaroundNone {
		t.Error("overlay leaked into DefaultWorkarounds")
	}
}

func TestParseWorkaround(t *testing.T) {
	if w, err := ParseWorkaround("ZW098"); err != nil || w != WorkaroundZW098 {
		t.Errorf("ParseWorkaround(ZW098) = %q, %v", w, err)
	}
	if w, err := ParseWorkaround(""); err != nil || w != WorkaroundNone {
		t.Errorf("ParseWorkaround(\"\") = %q, %v", w, err)
	}
	if _, err := ParseWorkaround("zw099"); err == nil {
		t.Error("ParseWorkaround(zw099): want error")
	}
}

func newZW098(t *testing.T, payload string) (*fixture, Light) {
	t.Helper()
	f := newFixture(99, true, payload, fullColor)
	f.node.manufacturer = "0x0086"
	f.node.product = "0x0062"
	return f, f.build(t, Config{})
}

func TestColorTemps(t *testing.T) {
	temps := NewColorTemps(color.HassMin, color.HassMax)
	if temps.Mid != 327 {
		t.Errorf("Mid = %v, want 327", temps.Mid)
	}
	if temps.Warm < 384.66 || temps.Warm > 384.67 {
		t.Errorf("Warm = %v, want ~384.667", temps.Warm)
	}
	if temps.Cold < 269.33 || temps.Cold > 269.34 {
		t.Errorf("Cold = %v, want ~269.333", temps.Cold)
	}
}

func TestZW098Features(t *testing.T) {
	_, l := newZW098(t, "#0000000000")
	if l.Workaround() != WorkaroundZW098 {
		t.Fatalf("workaround = %q", l.Workaround())
	}
	want := SupportBrightness | SupportRGBColor | SupportColorTemp
	if l.SupportedFeatures() != want {
		t.Errorf("features = %d, want %d", l.SupportedFeatures(), want)
	}
}

func TestZW098Decode(t *testing.T) {
	temps := NewColorTemps(color.HassMin, color.HassMax)
	tests := []struct {
		name    string
		payload string
		wantCT  float64
		wantRGB color.RGB
	}{
		{"warm channel", "#0000001000", temps.Warm, color.MiredToRGB(temps.Warm)},
		{"cold channel", "#00000000ff", temps.Cold, color.MiredToRGB(temps.Cold)},
		{"warm wins", "#0000000101", temps.Warm, color.MiredToRGB(temps.Warm)},
		{"rgb in use", "#ff00800000", temps.Mid, color.RGB{R: 255, G: 0, B: 128}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, l := newZW098(t, tt.payload)
			ct, ok := l.ColorTemp()
			if !ok || ct != tt.wantCT {
				t.Errorf("color temp = %v, %v; want %v", ct, ok, tt.wantCT)
			}
			rgb, ok := l.RGBColor()
			if !ok || rgb != tt.wantRGB {
				t.Errorf("rgb = %+v, want %+v", rgb, tt.wantRGB)
			}
		})
	}
}

func TestZW098WarmRGB(t *testing.T) {
	_, l := newZW098(t, "#0000001000")
	rgb, _ := l.RGBColor()
	if rgb != (color.RGB{R: 255, G: 162, B: 78}) {
		t.Errorf("rgb = %+v, want {255 162 78}", rgb)
	}
}

func TestZW098TurnOnColorTempRoundTrip(t *testing.T) {
	temps := NewColorTemps(color.HassMin, color.HassMax)
	tests := []struct {
		name    string
		request float64
		payload string
		want    float64
	}{
		{"above mid", temps.Mid + 1, "#000000ff00", temps.Warm},
		{"warmest", color.HassMax, "#000000ff00", temps.Warm},
		{"at mid", temps.Mid, "#00000000ff", temps.Cold},
		{"coldest", color.HassMin, "#00000000ff", temps.Cold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, l := newZW098(t, "#0000000000")
			l.TurnOn(TurnOnOptions{ColorTemp: f64(tt.request)})

			if len(f.color.writes) != 1 || f.color.writes[0] != tt.payload {
				t.Fatalf("writes = %v, want [%s]", f.color.writes, tt.payload)
			}
			if ct, _ := l.ColorTemp(); ct != tt.want {
				t.Errorf("color temp after turn_on = %v, want %v", ct, tt.want)
			}

			// The node reports the written payload back.
			f.color.data = f.color.writes[0]
			l.ValueChanged()
			if ct, _ := l.ColorTemp(); ct != tt.want {
				t.Errorf("color temp after report = %v, want %v", ct, tt.want)
			}
		})
	}
}

func TestZW098TurnOnRGBWritesPlainRGB(t *testing.T) {
	f, l := newZW098(t, "#0000000000")
	l.TurnOn(TurnOnOptions{RGB: &color.RGB{R: 255, G: 128, B: 64}})
	if len(f.color.writes) != 1 || f.color.writes[0] != "#ff80400000" {
		t.Errorf("writes = %v, want [#ff80400000]", f.color.writes)
	}
}

func TestZW098ColorTempPrecedesRGB(t *testing.T) {
	f, l := newZW098(t, "#0000000000")
	l.TurnOn(TurnOnOptions{RGB: &color.RGB{R: 1}, ColorTemp: f64(color.HassMax)})
	if len(f.color.writes) != 1 || f.color.writes[0] != channel.TwoPoint(true) {
		t.Errorf("writes = %v, want warm payload", f.color.writes)
	}
}

func TestZW098ColorMode(t *testing.T) {
	temps := NewColorTemps(color.HassMin, color.HassMax)
	f, l := newZW098(t, "#0000001000")
	s := l.State()
	if s.ColorMode != ColorModeColorTemp {
		t.Errorf("warm: mode = %q, want color_temp", s.ColorMode)
	}
	if s.Temps == nil || *s.Temps != temps {
		t.Errorf("temps = %v, want %+v", s.Temps, temps)
	}

	l.TurnOn(TurnOnOptions{RGB: &color.RGB{R: 255}})
	s = l.State()
	if s.ColorMode != ColorModeRGB || s.ColorTemp == nil || *s.ColorTemp != temps.Mid {
		t.Errorf("after rgb: mode = %q ct = %v, want rgb at %v", s.ColorMode, s.ColorTemp, temps.Mid)
	}

	f.color.data = f.color.writes[0]
	l.ValueChanged()
	if s := l.State(); s.ColorMode != ColorModeRGB {
		t.Errorf("after report: mode = %q, want rgb", s.ColorMode)
	}

	l.TurnOn(TurnOnOptions{ColorTemp: f64(color.HassMin)})
	if s := l.State(); s.ColorMode != ColorModeColorTemp || *s.ColorTemp != temps.Cold {
		t.Errorf("after color temp: mode = %q ct = %v", s.ColorMode, *s.ColorTemp)
	}
}

func TestZW098CustomRange(t *testing.T) {
	f := newFixture(99, true, "#0000000010", fullColor)
	f.node.manufacturer = "0x0086"
	f.node.product = "0x0062"
	l := f.build(t, Config{ColorMin: 200, ColorMax: 500})
	ct, _ := l.ColorTemp()
	if ct != 300 {
		t.Errorf("cold point = %v, want 300", ct)
	}
}

func TestRefreshDebounce(t *testing.T) {
	f := newFixture(0, false, "", 0)
	poster := &queuePoster{}
	l := f.build(t, Config{Refresh: true, Delay: 2 * time.Second, Poster: poster})
	clock := &fakeClock{}
	l.(*Dimmer).refresh.afterFunc = clock.afterFunc

	// Stale report right after a write, then another change inside the window.
	f.primary.data = 10
	l.ValueChanged()
	f.primary.data = 20
	l.ValueChanged()
	if l.IsOn() {
		t.Fatal("changes applied before the deferred refresh")
	}
	if len(clock.timers) != 2 || !clock.timers[0].stopped {
		t.Fatalf("timers = %d (first stopped=%v), want 2 with the first cancelled", len(clock.timers), clock.timers[0].stopped)
	}

	// Both timers fire; the cancelled one had already posted.
	clock.timers[0].fn()
	clock.timers[1].fn()
	poster.drain()
	if f.primary.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", f.primary.refreshes)
	}

	// The re-read is reported back and applied immediately.
	f.primary.data = 99
	l.ValueChanged()
	if !l.IsOn() || l.Brightness() != 255 {
		t.Errorf("echo not applied: on=%v brightness=%d", l.IsOn(), l.Brightness())
	}
	if len(clock.timers) != 2 {
		t.Errorf("echo scheduled another refresh")
	}

	// The next change starts the cycle again.
	f.primary.data = 0
	l.ValueChanged()
	if len(clock.timers) != 3 {
		t.Errorf("timers = %d, want 3", len(clock.timers))
	}
	if !l.IsOn() {
		t.Error("fresh change applied without refresh")
	}
}

func TestRefreshRealTimer(t *testing.T) {
	f := newFixture(0, false, "", 0)
	posted := make(chan func(), 1)
	l := f.build(t, Config{Refresh: true, Delay: 5 * time.Millisecond, Poster: chanPoster(posted)})

	l.ValueChanged()
	select {
	case fn := <-posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("deferred refresh never posted")
	}
	if f.primary.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", f.primary.refreshes)
	}
}

type chanPoster chan func()

func (c chanPoster) Post(fn func()) bool {
	select {
	case c <- fn:
		return true
	default:
		return false
	}
}
