//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"
)

// DeviceOptions bounds what the camera is asked for.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// DeviceSource reports every device as unavailable: native capture through
// pion/mediadevices needs the V4L2 and malgo drivers that only build on
// Linux here.
type DeviceSource struct{}

func NewDeviceSource(DeviceOptions) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (s *DeviceSource) Capture(context.Context, bool) ([]LocalTrack, error) {
	return nil, &Error{
		Kind: KindDeviceUnavailable,
		Err:  fmt.Errorf("native capture not supported on %s", runtime.GOOS),
	}
}
