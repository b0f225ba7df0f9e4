package peer

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("peer")

// CodecRegistrar fills a MediaEngine with the codecs local tracks produce.
// *media.Manager implements it.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// APIOptions configure the shared pion API all links are created from.
type APIOptions struct {
	Codecs CodecRegistrar

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates (same-host calls, tests).
	IncludeLoopback bool
}

// NewAPI builds a pion API with the capture codecs, the default interceptor
// set (NACK, RTCP reports, TWCC) and generous ICE timeouts so a brief
// network hiccup does not end the call.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	disc, failed, keep := opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval
	if disc <= 0 {
		disc = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keep <= 0 {
		keep = 2 * time.Second
	}
	se.SetICETimeouts(disc, failed, keep)
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// loggerFactory routes pion's internal logging into go-log, one subsystem
// per pion scope ("pion/ice", "pion/dtls", ...).
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return pionLogger{l: logging.Logger("pion/" + scope)}
}

type pionLogger struct{ l *logging.ZapEventLogger }

func (p pionLogger) Trace(msg string)                  { p.l.Debug(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.l.Debug(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.l.Info(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.l.Infof(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.l.Warn(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.l.Warnf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.l.Error(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Errorf(format, args...) }
