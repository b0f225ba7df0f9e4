package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// blockingSource holds Capture until release is closed.
type blockingSource struct {
	inner   *StaticSource
	release chan struct{}
	started chan struct{}
}

func (s *blockingSource) Capture(_ context.Context, video bool) ([]LocalTrack, error) {
	close(s.started)
	<-s.release
	// The caller's ctx is already cancelled; capture anyway like a slow
	// driver that ignores it.
	return s.inner.Capture(context.Background(), video)
}

type failingSource struct{ err error }

func (s failingSource) Capture(context.Context, bool) ([]LocalTrack, error) { return nil, s.err }

func TestAcquireAndRelease(t *testing.T) {
	src := NewStaticSource()
	m := NewManager(src)

	h, err := m.Acquire(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if h.TrackCount() != 2 {
		t.Fatalf("track count = %d, want 2", h.TrackCount())
	}
	if h.Track(webrtc.RTPCodecTypeVideo) == nil || h.Track(webrtc.RTPCodecTypeAudio) == nil {
		t.Fatal("expected audio and video tracks")
	}

	if err := m.Release(h); err != nil {
		t.Fatal(err)
	}
	if h.TrackCount() != 0 {
		t.Fatalf("track count after release = %d", h.TrackCount())
	}
	if src.Open() != 0 {
		t.Fatalf("source still has %d open track(s)", src.Open())
	}

	// Second release is a no-op and never double-closes.
	if err := m.Release(h); err != nil {
		t.Fatal(err)
	}
	if src.Open() != 0 {
		t.Fatalf("double release changed open count to %d", src.Open())
	}
}

func TestAudioOnlyHasNoVideoTrack(t *testing.T) {
	m := NewManager(NewStaticSource())
	h, err := m.Acquire(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h)

	if h.Track(webrtc.RTPCodecTypeVideo) != nil {
		t.Fatal("audio-only handle has a video track")
	}
	if m.ToggleVideo(h) {
		t.Fatal("toggling a missing video track should report false")
	}
}

func TestToggleFlipsInPlaceAndNotifies(t *testing.T) {
	m := NewManager(NewStaticSource())
	h, err := m.Acquire(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h)

	var seen []bool
	h.Track(webrtc.RTPCodecTypeAudio).OnEnabledChange(func(enabled bool) {
		seen = append(seen, enabled)
	})

	if m.ToggleAudio(h) {
		t.Fatal("first toggle should disable audio")
	}
	if !m.ToggleAudio(h) {
		t.Fatal("second toggle should enable audio")
	}
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Fatalf("listener saw %v", seen)
	}
	if !h.Track(webrtc.RTPCodecTypeVideo).Enabled() {
		t.Fatal("audio toggle must not touch video")
	}
}

func TestAcquireClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", fmt.Errorf("open /dev/video0: %w", os.ErrPermission), ErrAccessDenied},
		{"denied text", errors.New("NotAllowedError: Permission denied"), ErrAccessDenied},
		{"busy", errors.New("device or resource busy"), ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(failingSource{err: tt.err}).Acquire(context.Background(), true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAcquireCancelledReleasesLateTracks(t *testing.T) {
	src := &blockingSource{
		inner:   NewStaticSource(),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	m := NewManager(src)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, true)
		errCh <- err
	}()

	<-src.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire error = %v, want context.Canceled", err)
	}

	close(src.release)
	deadline := time.Now().Add(2 * time.Second)
	for src.inner.opened.Load() != 2 || src.inner.Open() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d late track(s) left open", src.inner.Open())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseNilHandle(t *testing.T) {
	if err := NewManager(NewStaticSource()).Release(nil); err != nil {
		t.Fatal(err)
	}
}
