// Package proxy executes the upstream call chosen by the load balancer,
// records the outcome into the circuit breaker, and normalizes transport
// errors into the gateway error taxonomy.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/apierr"
	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	"github.com/fabian4/gateway-dispatch-go/internal/forward"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
	"github.com/fabian4/gateway-dispatch-go/internal/version"
)

const defaultUpstreamTimeout = 15 * time.Second

// Forwarder proxies a single request to a selected instance.
type Forwarder struct {
	transports forward.Factory
	breaker    *breaker.Breaker
	protos     map[string]string // service name -> transport name
	log        *zap.Logger
}

func NewForwarder(transports forward.Factory, brk *breaker.Breaker, protos map[string]string, log *zap.Logger) *Forwarder {
	if protos == nil {
		protos = map[string]string{}
	}
	return &Forwarder{transports: transports, breaker: brk, protos: protos, log: log}
}

// Forward executes the upstream call. The lease is released and the breaker
// records exactly one outcome regardless of how the call ends. On error the
// response has not been written to; the caller renders the envelope.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *model.Route, params router.Params, lease *lb.Lease) (int, error) {
	defer lease.Release()

	base := lease.BaseURL()
	u := *base
	u.Path = joinSlash(base.Path, upstreamPath(route, params))
	u.RawQuery = r.URL.RawQuery

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	// Hop-only for our purposes: the transport recomputes both.
	hdr.Del("Host")
	hdr.Del("Content-Length")
	hdr.Set("X-Gateway-Version", version.Value)
	if route.TargetVersion != "" {
		hdr.Set("X-Service-Version", route.TargetVersion)
	}
	addXFF(hdr, r.RemoteAddr)

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return 0, apierr.Internal(err)
	}
	reqUp.Header = hdr
	reqUp.Host = base.Host

	tr := f.transports.Get(f.protos[route.Service])
	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		class := Classify(err)
		f.breaker.RecordFailure(route.Service, class)
		f.log.Warn("upstream call failed",
			zap.String("service", route.Service),
			zap.String("upstream", u.String()),
			zap.String("class", string(class)),
			zap.Error(err))
		return 0, apierr.Upstream(route.Service, 0, err)
	}
	defer func() {
		if cerr := resUp.Body.Close(); cerr != nil {
			f.log.Debug("closing upstream body", zap.Error(cerr))
		}
	}()

	// A completed round trip is a success for the breaker; upstream
	// application errors pass through without tripping it.
	f.breaker.RecordSuccess(route.Service)

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)
	w.Header().Set("X-Gateway-Version", version.Value)
	if route.TargetVersion != "" {
		w.Header().Set("X-Service-Version", route.TargetVersion)
	}
	w.WriteHeader(resUp.StatusCode)
	_, _ = io.Copy(w, resUp.Body)
	return resUp.StatusCode, nil
}

// upstreamPath rewrites the gateway-visible path to the route's declared
// upstream path: the registered pattern with params substituted and the
// inbound version prefix swapped for the target version.
func upstreamPath(route *model.Route, params router.Params) string {
	path := route.PathPattern
	if strings.Contains(path, ":") {
		segs := strings.Split(path, "/")
		for i, seg := range segs {
			if strings.HasPrefix(seg, ":") {
				if v, ok := params[seg[1:]]; ok {
					segs[i] = v
				}
			}
		}
		path = strings.Join(segs, "/")
	}

	target := route.TargetVersion
	if target == "" {
		return path
	}
	if route.APIVersion != "" && strings.HasPrefix(path, "/"+route.APIVersion) {
		rest := path[len(route.APIVersion)+1:]
		return "/" + target + rest
	}
	return "/" + target + path
}

// Classify maps a transport error onto the breaker's error taxonomy.
func Classify(err error) breaker.ErrorClass {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return breaker.ClassDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return breaker.ClassConnRefused
	case errors.Is(err, context.DeadlineExceeded):
		return breaker.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return breaker.ClassTimeout
	}
	return breaker.ClassUnreachable
}

// --- header helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}
