// Package version finds the API version of a request, validates it against
// the RouteMap and strips it from the path.
package version

import (
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
)

// Where a version was found.
const (
	SourcePath    = "path"
	SourceHeader  = "header"
	SourceDefault = "default"
)

// versionToken is the shape of a path segment that is read as a version
// even when it is not a supported one.
var versionToken = regexp.MustCompile(`^v\d+(\.\d+)*$`)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Version string // empty when nothing resolved and no default exists
	Source  string
	Path    string // request path with the prefix and version removed
}

// versionInfo holds compiled per-version metadata.
type versionInfo struct {
	deprecated bool
	sunset     string
	changelog  []string
	requests   atomic.Int64
}

// Resolver detects API versions and manages version metadata.
type Resolver struct {
	prefix         string
	headerName     string
	defaultVersion string
	currentVersion string
	supported      []string
	versions       map[string]*versionInfo
	exempt         func(path string) bool

	rejected    atomic.Int64
	unversioned atomic.Int64
}

// New creates a Resolver for rm. Paths for which exempt returns true pass
// the middleware untouched; exempt may be nil.
func New(rm *config.RouteMap, exempt func(path string) bool) *Resolver {
	v := &Resolver{
		prefix:         strings.TrimSuffix(rm.API.Prefix, "/"),
		headerName:     rm.API.VersionHeader,
		defaultVersion: rm.API.DefaultVersion,
		currentVersion: rm.API.CurrentVersion,
		supported:      append([]string(nil), rm.Versions...),
		versions:       make(map[string]*versionInfo, len(rm.Versions)),
		exempt:         exempt,
	}
	if v.headerName == "" {
		v.headerName = "X-API-Version"
	}
	if v.currentVersion == "" && len(v.supported) > 0 {
		v.currentVersion = v.supported[len(v.supported)-1]
	}
	for _, ver := range rm.Versions {
		info := rm.VersionInfo[ver]
		v.versions[ver] = &versionInfo{
			deprecated: info.Deprecated,
			sunset:     info.Sunset,
			changelog:  info.Changelog,
		}
	}
	return v
}

// Resolve decides the version of r: a version segment right after the API
// prefix wins over the version header, which wins over the default.
func (v *Resolver) Resolve(r *http.Request) (Resolution, *errors.GatewayError) {
	path := r.URL.Path
	res := Resolution{Path: path}

	if rest, ok := v.underPrefix(path); ok {
		seg, tail := splitSegment(rest)
		if seg != "" && (v.versions[seg] != nil || versionToken.MatchString(seg)) {
			if v.versions[seg] == nil {
				return res, v.unsupported(r, seg)
			}
			res.Version, res.Source, res.Path = seg, SourcePath, tail
			return res, nil
		}
		res.Path = rest
		if res.Path == "" {
			res.Path = "/"
		}
	}

	if h := strings.TrimSpace(r.Header.Get(v.headerName)); h != "" {
		ver, ok := v.normalize(h)
		if !ok {
			return res, v.unsupported(r, h)
		}
		res.Version, res.Source = ver, SourceHeader
		return res, nil
	}

	if v.defaultVersion != "" {
		res.Version, res.Source = v.defaultVersion, SourceDefault
	}
	return res, nil
}

// underPrefix returns the part of path after the API prefix.
func (v *Resolver) underPrefix(path string) (string, bool) {
	if v.prefix == "" {
		return path, true
	}
	if path == v.prefix {
		return "", true
	}
	if strings.HasPrefix(path, v.prefix+"/") {
		return path[len(v.prefix):], true
	}
	return "", false
}

// splitSegment splits "/v2/users/1" into "v2" and "/users/1".
func splitSegment(rest string) (seg, tail string) {
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i:]
	}
	return rest, "/"
}

// normalize accepts "v2" and the bare "2".
func (v *Resolver) normalize(h string) (string, bool) {
	if v.versions[h] != nil {
		return h, true
	}
	if !strings.HasPrefix(h, "v") && v.versions["v"+h] != nil {
		return "v" + h, true
	}
	return "", false
}

func (v *Resolver) unsupported(r *http.Request, tried string) *errors.GatewayError {
	return errors.ErrUnsupportedVersion.
		WithRequest(r.Method, r.URL.Path).
		WithVersion(tried).
		WithSupportedVersions(v.supported)
}

// Middleware returns the version resolution stage. It records the version
// in the request context, rewrites the path without prefix and version and
// sets the version and deprecation response headers.
func (v *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)
			if v.exempt != nil && v.exempt(rc.OriginalPath) {
				next.ServeHTTP(w, r)
				return
			}

			res, gerr := v.Resolve(r)
			if gerr != nil {
				v.rejected.Add(1)
				gerr.WithRequestID(rc.RequestID).WriteJSON(w)
				return
			}

			rc.ResolvedVersion = res.Version
			rc.VersionSource = res.Source
			rc.Path = res.Path
			r.URL.Path = res.Path
			r.URL.RawPath = ""

			if res.Version == "" {
				v.unversioned.Add(1)
				next.ServeHTTP(w, r)
				return
			}
			info := v.versions[res.Version]
			info.requests.Add(1)
			w.Header().Set(v.headerName, res.Version)
			if info.deprecated {
				w.Header().Set("Deprecation", "true")
			}
			if info.sunset != "" {
				w.Header().Set("Sunset", info.sunset)
			}
			next.ServeHTTP(w, r)
		})
	}
}
