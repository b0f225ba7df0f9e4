// Package media owns local camera and microphone capture for a call.
// A Handle is acquired once per call and must be released on every exit
// path; Release is idempotent so callers can defer it unconditionally.
package media

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

var log = logging.Logger("media")

// LocalTrack is a capture track that can be bound to a PeerConnection.
// pion/mediadevices tracks satisfy it, as does a static sample track wrapped
// with a Close method.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Source opens local capture tracks. The microphone is always requested;
// the camera only when video is true.
type Source interface {
	Capture(ctx context.Context, video bool) ([]LocalTrack, error)
}

// CodecRegistrar is implemented by sources whose encoders dictate the codecs
// a MediaEngine must offer (mediadevices populates VP8/Opus this way).
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Track is one local capture track plus its enabled flag. Disabling a track
// never renegotiates: listeners (the peer link) detach it from the sender
// and re-attach it on enable.
type Track struct {
	local LocalTrack

	mu        sync.Mutex
	enabled   bool
	stopped   bool
	listeners []func(enabled bool)
}

func newTrack(local LocalTrack) *Track {
	return &Track{local: local, enabled: true}
}

// Local returns the underlying pion track.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// OnEnabledChange registers fn to run after every enable/disable flip.
func (t *Track) OnEnabledChange(fn func(enabled bool)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Track) toggle() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.enabled = !t.enabled
	enabled := t.enabled
	fns := make([]func(bool), len(t.listeners))
	copy(fns, t.listeners)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(enabled)
	}
	return enabled
}

// stop closes the track once. Reports whether this call did the closing.
func (t *Track) stop() (bool, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false, nil
	}
	t.stopped = true
	t.enabled = false
	t.listeners = nil
	t.mu.Unlock()
	return true, t.local.Close()
}

func (t *Track) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Handle is the exclusively owned capture for one call.
type Handle struct {
	video  bool
	tracks []*Track

	mu       sync.Mutex
	released bool
}

// Video reports whether a camera track was requested.
func (h *Handle) Video() bool { return h.video }

// Tracks returns the capture tracks in acquisition order.
func (h *Handle) Tracks() []*Track {
	out := make([]*Track, len(h.tracks))
	copy(out, h.tracks)
	return out
}

// Track returns the first track of kind, or nil.
func (h *Handle) Track(kind webrtc.RTPCodecType) *Track {
	for _, t := range h.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// TrackCount returns the number of tracks that have not been stopped.
func (h *Handle) TrackCount() int {
	n := 0
	for _, t := range h.tracks {
		if t.live() {
			n++
		}
	}
	return n
}

// Released reports whether Release has run for this handle.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Manager acquires and releases capture handles from a Source.
type Manager struct {
	src Source
}

func NewManager(src Source) *Manager {
	return &Manager{src: src}
}

// RegisterCodecs prepares m for the tracks this manager produces.
func (m *Manager) RegisterCodecs(me *webrtc.MediaEngine) error {
	if r, ok := m.src.(CodecRegistrar); ok {
		return r.RegisterCodecs(me)
	}
	return me.RegisterDefaultCodecs()
}

type captureResult struct {
	tracks []LocalTrack
	err    error
}

// Acquire opens the microphone and, when video is true, the camera.
// Failures are *Error values matching ErrAccessDenied or
// ErrDeviceUnavailable. If ctx ends first, Acquire returns ctx.Err() and any
// tracks the source produces afterwards are closed in the background.
func (m *Manager) Acquire(ctx context.Context, video bool) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan captureResult, 1)
	go func() {
		tracks, err := m.src.Capture(ctx, video)
		done <- captureResult{tracks: tracks, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			res := <-done
			if n := closeAll(res.tracks); n > 0 {
				log.Debugf("MEDIA: closed %d track(s) captured after cancellation", n)
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			closeAll(res.tracks)
			return nil, classify(res.err)
		}
		h, err := newHandle(video, res.tracks)
		if err != nil {
			closeAll(res.tracks)
			return nil, err
		}
		log.Infof("MEDIA: captured %d track(s) (video=%v)", len(h.tracks), video)
		return h, nil
	}
}

func newHandle(video bool, locals []LocalTrack) (*Handle, error) {
	h := &Handle{video: video}
	var hasAudio, hasVideo bool
	for _, l := range locals {
		switch l.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
		}
		h.tracks = append(h.tracks, newTrack(l))
	}
	if !hasAudio {
		return nil, &Error{Kind: KindDeviceUnavailable, Device: "microphone"}
	}
	if video && !hasVideo {
		return nil, &Error{Kind: KindDeviceUnavailable, Device: "camera"}
	}
	return h, nil
}

// ToggleAudio flips the microphone track in place and returns the new
// enabled state. A nil handle or missing track reports false.
func (m *Manager) ToggleAudio(h *Handle) bool {
	return toggleKind(h, webrtc.RTPCodecTypeAudio)
}

// ToggleVideo is ToggleAudio for the camera track.
func (m *Manager) ToggleVideo(h *Handle) bool {
	return toggleKind(h, webrtc.RTPCodecTypeVideo)
}

func toggleKind(h *Handle, kind webrtc.RTPCodecType) bool {
	if h == nil {
		return false
	}
	t := h.Track(kind)
	if t == nil {
		return false
	}
	enabled := t.toggle()
	log.Debugf("MEDIA: %s enabled=%v", kind, enabled)
	return enabled
}

// Release stops every track of h. Safe to call more than once and with a
// nil handle.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	var errs error
	stopped := 0
	for _, t := range h.tracks {
		did, err := t.stop()
		if did {
			stopped++
		}
		errs = multierr.Append(errs, err)
	}
	log.Infof("MEDIA: released %d track(s)", stopped)
	return errs
}

func closeAll(tracks []LocalTrack) int {
	for _, t := range tracks {
		_ = t.Close()
	}
	return len(tracks)
}
