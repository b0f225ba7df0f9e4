// Package app wires the call stack for one local user and runs it until the
// context ends.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/control"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Version string
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logs := control.NewLogBuffer(cfg.Log.BufferLines)
	logs.Capture(ctx)
	if err := logging.SetLogLevel("*", strings.ToLower(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	logBanner(opt.Dir, opt.CfgPath, cfg)

	var live atomic.Pointer[config.Config]
	live.Store(&cfg)

	// ── Media
	src, err := newSource(cfg.Media)
	if err != nil {
		return err
	}
	mm := media.NewManager(src)

	api, err := peer.NewAPI(peer.APIOptions{
		Codecs:              mm,
		DisconnectedTimeout: secs(cfg.ICE.DisconnectedTimeoutSec),
		FailedTimeout:       secs(cfg.ICE.FailedTimeoutSec),
		KeepAliveInterval:   secs(cfg.ICE.KeepAliveIntervalSec),
	})
	if err != nil {
		return err
	}

	// ── Records
	var db *storage.DB
	if cfg.Records.DBPath != "" {
		db, err = storage.Open(util.ResolvePath(opt.Dir, cfg.Records.DBPath))
		if err != nil {
			return err
		}
		defer db.Close()
		log.Infof("APP: call records in %s", db.Path())
	}

	// ── Calls
	ccfg := call.Config{
		UserID:         cfg.Identity.UserID,
		DisplayName:    cfg.Identity.DisplayName,
		RingTimeout:    cfg.Call.RingTimeout(),
		RecordTimeout:  cfg.Call.RecordTimeout(),
		DeclineTimeout: cfg.Signaling.HandshakeTimeout() + cfg.Signaling.WriteTimeout(),
		Media:          mm,
		Dial: call.SignalingDialer(
			func() string { return live.Load().Signaling.URL },
			func() signaling.Options { return signalingOptions(live.Load()) },
		),
		NewLink: call.PeerLinks(api, func() []webrtc.ICEServer {
			return iceServers(live.Load().ICE)
		}),
	}
	if db != nil {
		ccfg.Records = db
	}
	calls, err := call.New(ccfg)
	if err != nil {
		return err
	}
	defer calls.Close()

	go func() {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			cur := live.Load()
			if next.Identity != cur.Identity {
				log.Warnf("CONFIG: identity changes need a restart; keeping %s", cur.Identity.UserID)
				next.Identity = cur.Identity
			}
			live.Store(&next)
			calls.SetRingTimeout(next.Call.RingTimeout())
			if err := logging.SetLogLevel("*", strings.ToLower(next.Log.Level)); err != nil {
				log.Warnf("CONFIG: %v", err)
			}
		})
		if err != nil {
			log.Warnf("CONFIG: watch disabled: %v", err)
		}
	}()

	// ── Control API
	errCh := make(chan error, 1)
	if cfg.Control.HTTPAddr != "" {
		addr, url := normalizeLocalAddr(cfg.Control.HTTPAddr)
		opts := control.Options{
			Calls:          calls,
			Logs:           logs,
			AllowedOrigins: cfg.Control.AllowedOrigins,
			Version:        opt.Version,
		}
		if db != nil {
			opts.Records = db
		}
		srv := control.New(opts)
		go func() { errCh <- srv.Serve(ctx, addr) }()
		log.Infof("APP: control API at %s", url)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}

func newSource(m config.Media) (media.Source, error) {
	if m.Source == "static" {
		log.Info("APP: using static media tracks")
		return media.NewStaticSource(), nil
	}
	src, err := media.NewDeviceSource(media.DeviceOptions{
		MaxWidth:     m.MaxWidth,
		MaxHeight:    m.MaxHeight,
		VideoBitRate: m.VideoBitRate,
	})
	if err != nil {
		return nil, fmt.Errorf("media devices: %w", err)
	}
	return src, nil
}

func signalingOptions(c *config.Config) signaling.Options {
	return signaling.Options{
		UserID:           c.Identity.UserID,
		TokenSecret:      c.Signaling.TokenSecret,
		TokenTTL:         c.Signaling.TokenTTL(),
		HandshakeTimeout: c.Signaling.HandshakeTimeout(),
		WriteTimeout:     c.Signaling.WriteTimeout(),
		PingInterval:     c.Signaling.PingInterval(),
		MaxMessageBytes:  c.Signaling.MaxMessageBytes,
	}
}
