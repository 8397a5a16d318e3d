// Package apiversion negotiates the mobile protocol version before any
// other processing. Clients below the minimum version are hard-stopped:
// they may assume response shapes this layer no longer produces.
package apiversion

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
)

const (
	// Header carries the client's declared protocol version.
	Header = "X-API-Version"
	// QueryParam is the fallback for clients that cannot set headers.
	QueryParam = "apiVersion"

	headerCurrent = "X-API-Current-Version"
	headerMin     = "X-API-Min-Version"
)

type Config struct {
	Current   string
	Minimum   string
	Supported []string
}

func Default() Config {
	return Config{
		Current:   "1.2",
		Minimum:   "1.1",
		Supported: []string{"1.0", "1.1", "1.2"},
	}
}

func (c Config) IsSupported(v string) bool {
	for _, s := range c.Supported {
		if s == v {
			return true
		}
	}
	return false
}

// Compare returns -1, 0 or 1 comparing dotted numeric versions. Missing
// segments count as zero, so "1" == "1.0".
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Negotiate returns the effective version for a request, or a gate error.
// An absent version defaults to the current one.
func (c Config) Negotiate(req *http.Request) (string, error) {
	v := req.Header.Get(Header)
	if v == "" {
		v = req.URL.Query().Get(QueryParam)
	}
	if v == "" {
		return c.Current, nil
	}
	if Compare(v, c.Minimum) < 0 {
		return "", deprecatedError(v, c.Minimum)
	}
	if !c.IsSupported(v) {
		return "", invalidError(v)
	}
	return v, nil
}

// Annotate stamps the version headers on every response so well-behaved
// clients can self-detect staleness even when their request succeeds.
func (c Config) Annotate(w http.ResponseWriter, effective string) {
	w.Header().Set(Header, effective)
	w.Header().Set(headerCurrent, c.Current)
	w.Header().Set(headerMin, c.Minimum)
}

// Middleware gates every route. It runs before the rate limiter and auth
// so dead clients are turned away as cheaply as possible.
func (c Config) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		effective, err := c.Negotiate(req)
		if err != nil {
			c.Annotate(w, c.Current)
			internal.WriteError(w, req, err)
			return
		}
		c.Annotate(w, effective)
		next.ServeHTTP(w, req)
	})
}

func invalidError(v string) *internal.HandlerError {
	return internal.Errorf(internal.ErrInvalidAPIVersion, "unsupported API version %q", v)
}

func deprecatedError(v, min string) *internal.HandlerError {
	return &internal.HandlerError{
		Code:            internal.ErrAPIVersionDeprecated,
		Err:             fmt.Errorf("API version %q is below the minimum supported version %q", v, min),
		UpgradeRequired: true,
	}
}
