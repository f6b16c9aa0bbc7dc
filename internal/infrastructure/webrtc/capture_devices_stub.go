//go:build !mediadevices

package webrtc

import (
	"context"
	"fmt"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DevicesAvailable reports whether this binary was built with device capture.
const DevicesAvailable = false

// DeviceCapturer is a placeholder for builds without the mediadevices tag;
// every capture fails with domain.ErrMediaAccess.
type DeviceCapturer struct {
	logger *zap.SugaredLogger
}

func NewDeviceCapturer(logger *zap.SugaredLogger) (*DeviceCapturer, error) {
	return &DeviceCapturer{logger: logger}, nil
}

func (c *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) Capture(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	return nil, fmt.Errorf("%w: built without camera and microphone support", domain.ErrMediaAccess)
}
