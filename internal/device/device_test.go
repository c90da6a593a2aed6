// ABOUTME: Tests for device selection and profile resolution
// ABOUTME: Uses a fake backend so no hardware is touched
package device

import (
	"testing"

	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

func TestIsVirtualDevice(t *testing.T) {
	virtual := []string{
		"BlackHole 2ch",
		"Loopback Audio",
		"Monitor of Built-in Audio",
		"VB-Cable",
		"VoiceMeeter Input",
		"Aggregate Device",
		"Multi-Output Device",
		"CABLE Input (VB-Audio Virtual Cable)",
	}
	for _, name := range virtual {
		if !IsVirtualDevice(name) {
			t.Errorf("IsVirtualDevice(%q) = false, want true", name)
		}
	}

	physical := []string{
		"MacBook Pro Microphone",
		"Built-in Audio Analog Stereo",
		"USB Audio Device",
		"Scarlett 2i2",
	}
	for _, name := range physical {
		if IsVirtualDevice(name) {
			t.Errorf("IsVirtualDevice(%q) = true, want false", name)
		}
	}
}

func TestSelectDeviceEmpty(t *testing.T) {
	if _, err := SelectDevice(nil); err != ErrNoDevice {
		t.Fatalf("SelectDevice(nil) error = %v, want ErrNoDevice", err)
	}
}

func TestSelectDevicePrefersPhysicalDefault(t *testing.T) {
	infos := []Info{
		{ID: "a", Name: "BlackHole 2ch"},
		{ID: "b", Name: "USB Mic", IsDefault: true},
		{ID: "c", Name: "Built-in Mic"},
	}
	got, err := SelectDevice(infos)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want default physical device b", got.ID)
	}
}

func TestSelectDeviceFallsBackToFirstPhysical(t *testing.T) {
	infos := []Info{
		{ID: "a", Name: "Loopback Audio", IsDefault: true},
		{ID: "b", Name: "Built-in Mic"},
		{ID: "c", Name: "USB Mic"},
	}
	got, err := SelectDevice(infos)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want first physical device b", got.ID)
	}
}

func TestSelectDeviceAllVirtual(t *testing.T) {
	// When everything is virtual, the default wins over list order.
	infos := []Info{
		{ID: "a", Name: "BlackHole 2ch"},
		{ID: "b", Name: "Loopback Audio", IsDefault: true},
	}
	got, err := SelectDevice(infos)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want virtual default b", got.ID)
	}

	// With no default at all, take the first entry.
	infos = []Info{
		{ID: "a", Name: "BlackHole 2ch"},
		{ID: "b", Name: "Loopback Audio"},
	}
	got, err = SelectDevice(infos)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "a" {
		t.Errorf("selected %q, want first entry a", got.ID)
	}
}

type fakeEnumBackend struct {
	infos []Info
}

func (f *fakeEnumBackend) Enumerate(Direction) ([]Info, error)            { return f.infos, nil }
func (f *fakeEnumBackend) OpenCapture(Profile, CaptureFunc) (Stream, error) { return nil, nil }
func (f *fakeEnumBackend) OpenRender(Profile, RenderFunc) (Stream, error)   { return nil, nil }
func (f *fakeEnumBackend) Close() error                                     { return nil }

func TestResolveProfileCapsChannels(t *testing.T) {
	b := &fakeEnumBackend{infos: []Info{
		{ID: "x", Name: "Big Interface", IsDefault: true, SampleRate: 48000, Channels: 18},
	}}
	p, err := ResolveProfile(b, Capture)
	if err != nil {
		t.Fatal(err)
	}
	if p.Channels != audio.MaxDeviceChannels {
		t.Errorf("Channels = %d, want capped at %d", p.Channels, audio.MaxDeviceChannels)
	}
	if p.FrameSize != audio.FrameSizeAt(48000) {
		t.Errorf("FrameSize = %d, want %d", p.FrameSize, audio.FrameSizeAt(48000))
	}
}

func TestResolveProfileDefaultsMissingFormat(t *testing.T) {
	b := &fakeEnumBackend{infos: []Info{
		{ID: "x", Name: "Odd Device", IsDefault: true},
	}}
	p, err := ResolveProfile(b, Render)
	if err != nil {
		t.Fatal(err)
	}
	if p.SampleRate != 48000 || p.Channels != 1 {
		t.Errorf("profile = %dHz/%dch, want 48000Hz with at least 1 channel", p.SampleRate, p.Channels)
	}
	if !p.Valid() {
		t.Error("resolved profile should be valid")
	}
}
