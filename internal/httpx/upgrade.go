package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"deeperhub/internal/clockid"
	"deeperhub/internal/security"
	"deeperhub/internal/wsproto"
)

// UpgradeDeps bundles what the /ws handler needs to run the request
// gate and spin up a worker for an accepted socket.
type UpgradeDeps struct {
	Gate       *security.RequestGate
	Registry   *wsproto.Registry
	WorkerCfg  wsproto.WorkerConfig
	Handle     wsproto.Handler
	Log        *slog.Logger
	RealIPFunc func(r *http.Request) string
}

// NewUpgradeHandler returns the /ws handler: runs the request gate
// over the upgrade attempt, completes the WS handshake on success, and
// launches a supervised worker for the connection (spec §4.5, §4.6).
func NewUpgradeHandler(deps UpgradeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := hostOnly(r.RemoteAddr)
		if deps.RealIPFunc != nil {
			if real := deps.RealIPFunc(r); real != "" {
				ip = real
			}
		}

		reqCtx := security.RequestContextFromHTTP(r, ip)
		if o := deps.Gate.Run(reqCtx); !o.Allowed {
			http.Error(w, o.Detail, http.StatusForbidden)
			return
		}

		conn, rw, err := wsproto.Accept(w, r)
		if err != nil {
			deps.Log.Warn("websocket handshake failed", "err", err)
			var he *wsproto.HandshakeError
			if errors.As(err, &he) {
				http.Error(w, he.Error(), http.StatusBadRequest)
			}
			return
		}

		id := clockid.NewID()
		meta := wsproto.Metadata{RemoteAddr: ip, UserAgent: r.UserAgent(), Origin: r.Header.Get("Origin")}
		wsConn := wsproto.NewConn(id, conn, rw, meta, time.Now())
		deps.Registry.Add(wsConn)

		worker := wsproto.NewWorker(deps.WorkerCfg, wsConn, deps.Registry, deps.Handle, deps.Log, time.Now)
		go worker.Run(context.Background())
	}
}

// hostOnly strips the port from a "host:port" remote address, falling
// back to the raw value for inputs that aren't in that shape (spec §4.5
// rate-limits by client IP, not by ephemeral source port).
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
