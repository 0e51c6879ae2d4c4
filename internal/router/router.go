package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// Route is one entry of a version's route table.
type Route struct {
	Pattern string // as written in the RouteMap
	Method  string // empty matches any method
	Path    string // httprouter syntax
	Service string
}

// Match is the result of a successful lookup.
type Match struct {
	Route  *Route
	Params map[string]string
}

// routeGroup holds every route registered under one path shape.
// A method-specific route wins over the any-method route.
type routeGroup struct {
	path     string
	byMethod map[string]*Route
	any      *Route
}

func (g *routeGroup) pick(method string) *Route {
	if r, ok := g.byMethod[method]; ok {
		return r
	}
	if method == http.MethodHead {
		if r, ok := g.byMethod[http.MethodGet]; ok {
			return r
		}
	}
	return g.any
}

// captureWriter is a no-op ResponseWriter used to extract the matched group
// from an httprouter handle without writing any actual HTTP response.
type captureWriter struct {
	group  *routeGroup
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// standardMethods lists HTTP methods registered with httprouter for each path.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

var validMethods = func() map[string]bool {
	m := make(map[string]bool, len(standardMethods))
	for _, s := range standardMethods {
		m[s] = true
	}
	return m
}()

// Table is the compiled route table of a single version.
type Table struct {
	tree   *httprouter.Router
	groups map[string]*routeGroup // path shape → group
	routes []*Route
}

func newTable() *Table {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	return &Table{
		tree:   tree,
		groups: make(map[string]*routeGroup),
	}
}

// Compile builds a table from pattern → service entries. Every problem is
// reported; the returned table holds all routes that could be added.
func Compile(routes map[string]string) (*Table, []error) {
	t := newTable()
	var errs []error

	patterns := make([]string, 0, len(routes))
	for p := range routes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		if err := t.add(pattern, routes[pattern]); err != nil {
			errs = append(errs, err)
		}
	}
	return t, errs
}

func (t *Table) add(pattern, service string) error {
	method, path, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	route := &Route{Pattern: pattern, Method: method, Path: path, Service: service}

	key := shape(path)
	g, exists := t.groups[key]
	if !exists {
		g = &routeGroup{path: path, byMethod: make(map[string]*Route)}
		if err := t.register(path, g); err != nil {
			return fmt.Errorf("route %q: %w", pattern, err)
		}
		t.groups[key] = g
	}

	if method == "" {
		if g.any != nil {
			return fmt.Errorf("duplicate route %q: already defined as %q", pattern, g.any.Pattern)
		}
		g.any = route
	} else {
		if prev, ok := g.byMethod[method]; ok {
			return fmt.Errorf("duplicate route %q: already defined as %q", pattern, prev.Pattern)
		}
		g.byMethod[method] = route
	}
	t.routes = append(t.routes, route)
	return nil
}

// register adds the path to every method tree. httprouter panics on
// conflicting wildcards; the panic becomes an error.
func (t *Table) register(path string, g *routeGroup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conflicts with an existing route: %v", r)
		}
	}()
	handle := func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if cw, ok := w.(*captureWriter); ok {
			cw.group = g
		}
	}
	for _, method := range standardMethods {
		t.tree.Handle(method, path, handle)
	}
	return nil
}

// Match finds the route for method and path.
func (t *Table) Match(method, path string) (*Match, bool) {
	if t == nil {
		return nil, false
	}
	handle, params, tsr := t.tree.Lookup(method, path)
	if handle == nil && tsr {
		alt := strings.TrimSuffix(path, "/")
		if alt == path {
			alt = path + "/"
		}
		handle, params, _ = t.tree.Lookup(method, alt)
	}
	if handle == nil {
		return nil, false
	}

	cw := &captureWriter{}
	handle(cw, nil, params)
	if cw.group == nil {
		return nil, false
	}
	route := cw.group.pick(method)
	if route == nil {
		return nil, false
	}

	m := &Match{Route: route}
	if len(params) > 0 {
		m.Params = make(map[string]string, len(params))
		for _, p := range params {
			m.Params[p.Key] = p.Value
		}
	}
	return m, true
}

// Routes returns the compiled routes in pattern order.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// ServiceConflicts reports method-specific routes that send a path to a
// different service than the any-method route of the same path.
func (t *Table) ServiceConflicts() []error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, r := range t.routes {
		if r.Method == "" {
			continue
		}
		g := t.groups[shape(r.Path)]
		if g == nil || g.any == nil || g.any.Service == r.Service {
			continue
		}
		errs = append(errs, fmt.Errorf("routes %q and %q match the same path with different services (%q, %q)",
			g.any.Pattern, r.Pattern, g.any.Service, r.Service))
	}
	return errs
}

// Len returns the number of compiled routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Router holds one table per API version.
type Router struct {
	tables map[string]*Table
}

// New compiles every version's table. All problems are joined into the
// returned error; the router is usable for the routes that compiled.
func New(routes map[string]map[string]string) (*Router, error) {
	rt := &Router{tables: make(map[string]*Table, len(routes))}
	var errs []error

	versions := make([]string, 0, len(routes))
	for v := range routes {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	for _, v := range versions {
		table, tableErrs := Compile(routes[v])
		rt.tables[v] = table
		for _, err := range tableErrs {
			errs = append(errs, fmt.Errorf("version %s: %w", v, err))
		}
	}
	return rt, errors.Join(errs...)
}

// Match looks up a route within the given version.
func (rt *Router) Match(version, method, path string) (*Match, bool) {
	return rt.tables[version].Match(method, path)
}

// Table returns the table for a version, or nil.
func (rt *Router) Table(version string) *Table {
	return rt.tables[version]
}

// ParsePattern splits "POST /users/{id}" into its method and an httprouter
// path. A pattern without a method matches every standard method.
func ParsePattern(pattern string) (method, path string, err error) {
	p := strings.TrimSpace(pattern)
	if i := strings.IndexByte(p, ' '); i > 0 {
		method = strings.ToUpper(p[:i])
		p = strings.TrimSpace(p[i+1:])
		if !validMethods[method] {
			return "", "", fmt.Errorf("route %q: unsupported method %q", pattern, method)
		}
	}
	if !strings.HasPrefix(p, "/") {
		return "", "", fmt.Errorf("route %q: path must start with /", pattern)
	}
	path = replaceParams(p)
	if strings.HasSuffix(path, "/*") {
		path += "path"
	}
	if strings.Contains(path, "/:/") || strings.HasSuffix(path, "/:") {
		return "", "", fmt.Errorf("route %q: unnamed parameter", pattern)
	}
	return method, path, nil
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			result.WriteByte(':')
			result.WriteString(path[i+1 : i+j])
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}

// shape erases parameter names so "/users/:id" and "/users/:uid" collide.
func shape(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = ":"
		} else if strings.HasPrefix(s, "*") {
			segs[i] = "*"
		}
	}
	return strings.Join(segs, "/")
}
