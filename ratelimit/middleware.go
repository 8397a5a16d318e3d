package ratelimit

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
)

var rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Number of requests rejected by the rate limiter",
}, []string{"class"})

func init() {
	prometheus.MustRegister(rejectedCounter)
}

// CallerKey identifies the caller for counting purposes: client IP plus
// the declared device id. Pre-auth routes only have the IP; that is fine
// as login bursts from one NAT still share a budget.
func CallerKey(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		ip = req.RemoteAddr
	}
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = fwd
	}
	deviceID := req.Header.Get("X-Device-Id")
	if deviceID == "" {
		return ip
	}
	return ip + "|" + deviceID
}

// Middleware admits or rejects requests under the given class. Every
// response carries X-RateLimit-* headers; rejections get a 429 with a
// retryAfter hint.
func (l *Limiter) Middleware(class Class) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			d := l.Admit(class, CallerKey(req))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetInSeconds))
			if !d.Allowed {
				rejectedCounter.WithLabelValues(string(class)).Inc()
				internal.WriteError(w, req, &internal.HandlerError{
					Code:           internal.ErrRateLimited,
					Err:            fmt.Errorf("rate limit exceeded for class %s", class),
					RetryAfterSecs: d.ResetInSeconds,
				})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
