package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

var methodIndex = map[string]uint8{
	"GET":     0,
	"POST":    1,
	"PUT":     2,
	"DELETE":  3,
	"PATCH":   4,
	"HEAD":    5,
	"OPTIONS": 6,
}

const methodCount = 7

type route struct {
	handler fasthttp.RequestHandler
	config  *types.RouteConfig
}

type routeNode struct {
	staticChildren map[string]*routeNode
	paramChild     *routeNode
	paramName      string
	routes         [methodCount]*route
}

// Router resolves exact paths through a map and parameterised paths
// ({name} or :name segments) through a segment trie. Matched parameters are
// stored as user values on the request.
type Router struct {
	mu           sync.RWMutex
	staticRoutes map[string]*route
	root         *routeNode
}

func NewRouter() *Router {
	return &Router{
		staticRoutes: make(map[string]*route),
		root:         &routeNode{staticChildren: make(map[string]*routeNode)},
	}
}

func (r *Router) Add(method, path string, handler fasthttp.RequestHandler, config *types.RouteConfig) error {
	methodIdx, ok := methodIndex[method]
	if !ok {
		return types.Errorf(types.ErrInvalidParameter, "unsupported method %s", method)
	}
	if handler == nil {
		return types.Errorf(types.ErrInvalidParameter, "nil handler for %s %s", method, path)
	}

	rt := &route{handler: handler, config: config}
	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{:") {
		r.staticRoutes[method+":"+path] = rt
		return nil
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if name, isParam := paramName(segment); isParam {
			if node.paramChild == nil {
				node.paramChild = &routeNode{staticChildren: make(map[string]*routeNode), paramName: name}
			}
			node = node.paramChild
			continue
		}

		child, exists := node.staticChildren[segment]
		if !exists {
			child = &routeNode{staticChildren: make(map[string]*routeNode)}
			node.staticChildren[segment] = child
		}
		node = child
	}

	node.routes[methodIdx] = rt
	return nil
}

// Lookup finds the route for method and path. allowed reports whether the
// path exists for some other method.
func (r *Router) Lookup(method, path string) (rt *route, params map[string]string, allowed bool) {
	path = normalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.staticRoutes[method+":"+path]; ok {
		return rt, nil, true
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if child, ok := node.staticChildren[segment]; ok {
			node = child
			continue
		}
		if node.paramChild == nil {
			return nil, nil, r.staticPathExists(path)
		}
		node = node.paramChild
		if params == nil {
			params = make(map[string]string, 2)
		}
		params[node.paramName] = segment
	}

	if methodIdx, ok := methodIndex[method]; ok && node.routes[methodIdx] != nil {
		return node.routes[methodIdx], params, true
	}

	for _, candidate := range node.routes {
		if candidate != nil {
			return nil, nil, true
		}
	}
	return nil, nil, r.staticPathExists(path)
}

func (r *Router) staticPathExists(path string) bool {
	for method := range methodIndex {
		if _, ok := r.staticRoutes[method+":"+path]; ok {
			return true
		}
	}
	return false
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		return path[:len(path)-1]
	}
	return path
}

func normalizePathBytes(path []byte) string {
	return normalizePath(utils.BytesToString(path))
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func paramName(segment string) (string, bool) {
	switch {
	case len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}':
		return segment[1 : len(segment)-1], true
	case len(segment) > 1 && segment[0] == ':':
		return segment[1:], true
	default:
		return "", false
	}
}
