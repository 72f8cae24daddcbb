//go:build oto

package device

import (
	"errors"
	"testing"
	"time"
)

func TestOtoDevice_CloseIdempotent(t *testing.T) {
	dev, err := NewOto(mono16k, 20*time.Millisecond)
	if err != nil {
		t.Skipf("no audio output available: %v", err)
	}

	// The scheduler closes its device and Destroy closes the shared one, so
	// the same device sees Close twice during shutdown.
	if _, err := Shared(func() (Device, error) { return dev, nil }); err != nil {
		t.Fatalf("Shared: %v", err)
	}
	first := dev.Close()
	if err := Destroy(); err != first {
		t.Errorf("second Close = %v, want %v", err, first)
	}
	if _, err := dev.Schedule(pcm(2, 1), 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Schedule after Close = %v, want ErrClosed", err)
	}
}
