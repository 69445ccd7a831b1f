package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

// ErrNotFound is returned when no descriptor matches; the pipeline maps it to 404.
var ErrNotFound = errors.New("route not found")

// Params holds :param segment captures from a pattern match.
type Params map[string]string

var versionPrefix = regexp.MustCompile(`^/v\d+(/|$)`)

type entry struct {
	route  model.Route
	re     *regexp.Regexp // nil for static patterns
	params []string
}

// Table maps (method, path pattern) to route descriptors. Exact keys are
// looked up first; parameterized patterns are scanned in registration order,
// so registration order is a de facto priority order. Read-mostly: populated
// at startup, safe for concurrent resolution.
type Table struct {
	mu       sync.RWMutex
	exact    map[string]*entry
	patterns []*entry
}

func New() *Table {
	return &Table{exact: make(map[string]*entry)}
}

// Register adds a descriptor. At most one descriptor per exact
// method+pattern key.
func (t *Table) Register(r model.Route) error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		return fmt.Errorf("route %q: method is required", r.Name)
	}
	if !strings.HasPrefix(r.PathPattern, "/") {
		return fmt.Errorf("route %q: path pattern must start with '/'", r.Name)
	}

	e := &entry{route: r}
	if strings.Contains(r.PathPattern, ":") {
		re, names, err := CompilePattern(r.PathPattern)
		if err != nil {
			return fmt.Errorf("route %q: %w", r.Name, err)
		}
		e.re, e.params = re, names
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.exact[r.Key()]; dup {
		return fmt.Errorf("route %q: duplicate registration for %s", r.Name, r.Key())
	}
	t.exact[r.Key()] = e
	if e.re != nil {
		t.patterns = append(t.patterns, e)
	}
	return nil
}

// Resolve finds the descriptor for an inbound method and concrete path.
// Exact lookup first, then first pattern match in registration order. If
// nothing matches and the path carries a /v<N> prefix, the prefix is
// stripped and resolution retried exactly once.
func (t *Table) Resolve(method, path string) (*model.Route, Params, error) {
	method = strings.ToUpper(method)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, p, ok := t.resolveOnce(method, path); ok {
		return r, p, nil
	}
	if loc := versionPrefix.FindStringIndex(path); loc != nil {
		stripped := path[loc[1]:]
		if loc[1] > 0 && path[loc[1]-1] == '/' {
			stripped = "/" + stripped
		}
		if stripped == "" {
			stripped = "/"
		}
		if r, p, ok := t.resolveOnce(method, stripped); ok {
			return r, p, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (t *Table) resolveOnce(method, path string) (*model.Route, Params, bool) {
	if e, ok := t.exact[method+":"+path]; ok && e.re == nil {
		r := e.route
		return &r, Params{}, true
	}
	for _, e := range t.patterns {
		if e.route.Method != method {
			continue
		}
		m := e.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(Params, len(e.params))
		for i, name := range e.params {
			params[name] = m[i+1]
		}
		r := e.route
		return &r, params, true
	}
	return nil, nil, false
}

// Routes returns all registered descriptors for the administrative surface.
func (t *Table) Routes() []model.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Route, 0, len(t.exact))
	for _, e := range t.exact {
		out = append(out, e.route)
	}
	return out
}

// CompilePattern turns a /users/:id style pattern into an anchored regexp
// where each :param matches a single path component, returning the param
// names in order of appearance.
func CompilePattern(pattern string) (*regexp.Regexp, []string, error) {
	segs := strings.Split(pattern, "/")
	var names []string
	var sb strings.Builder
	sb.WriteString("^")
	for i, seg := range segs {
		if i > 0 {
			sb.WriteString("/")
		}
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return nil, nil, fmt.Errorf("pattern %q: empty :param segment", pattern)
			}
			names = append(names, name)
			sb.WriteString("([^/]+)")
			continue
		}
		sb.WriteString(regexp.QuoteMeta(seg))
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return re, names, nil
}
