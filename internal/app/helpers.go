package app

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/config"
)

// normalizeLocalAddr keeps the control API on loopback and returns the
// listen address and its browser URL.
func normalizeLocalAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func iceServers(c config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func logBanner(dir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("callcore node")
	log.Infof(" Directory   : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User        : %s", cfg.Identity.UserID)
	log.Infof(" Relay       : %s", cfg.Signaling.URL)
	log.Info("────────────────────────────────────────")
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
