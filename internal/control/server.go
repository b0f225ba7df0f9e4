// Package control serves the local HTTP API a UI uses to drive calls.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/storage"
)

var log = logging.Logger("control")

// Calls is the controller surface the API drives. *call.Controller
// satisfies it.
type Calls interface {
	Session() call.Session
	StartCall(ctx context.Context, recipientID string, isVideo bool) error
	AnswerCall(ctx context.Context, callID, invitationID, callerID string, isVideo bool) error
	DeclineCall(ctx context.Context, callID, invitationID string) error
	EndCall(ctx context.Context) error
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	NotifyIncoming(inc call.IncomingCall) error
	Subscribe() (<-chan call.Session, func())
	SubscribeIncoming() (<-chan call.IncomingCall, func())
}

// Records is the call history surface. *storage.DB satisfies it.
type Records interface {
	RecentCalls(ctx context.Context, limit int) ([]storage.CallRecord, error)
	DumpSQL() (string, error)
}

type Options struct {
	Calls          Calls
	Records        Records // optional
	Logs           *LogBuffer
	AllowedOrigins []string
	Version        string
}

type Server struct {
	opts Options
	h    http.Handler
}

func New(opts Options) *Server {
	mux := http.NewServeMux()
	s := &Server{opts: opts}

	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "version": opts.Version})
	})
	registerCallRoutes(mux, opts.Calls)
	if opts.Records != nil {
		registerRecordRoutes(mux, opts.Records)
	}
	if opts.Logs != nil {
		mux.HandleFunc("/api/logs", opts.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", opts.Logs.ServeLogsSSE)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.h = c.Handler(noCache(mux))
	return s
}

func (s *Server) Handler() http.Handler { return s.h }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("CONTROL: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
