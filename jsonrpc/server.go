package jsonrpc

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler answers one JSON-RPC method call. params is the raw JSON
// params array/object from the request; the handler decodes whatever
// shape it expects. The method table pattern below mirrors the fixed
// eth_* method surface the teacher's bundler client calls against
// (mechanisms/evm/erc4337/bundler.go BundlerMethods), inverted into a
// server dispatch table.
type Handler func(c *gin.Context, params json.RawMessage) (interface{}, error)

// CodeClassifier maps an arbitrary handler error to a JSON-RPC error
// code. Callers outside the chain/bundler packages that have no
// opinion can pass nil and get -32603 (internal error) for everything.
type CodeClassifier func(err error) int

// Server dispatches JSON-RPC 2.0 requests over HTTP to a fixed table
// of named methods, gin-gonic/gin-based the way the teacher's
// http/gin package builds its HTTP surface.
type Server struct {
	methods   map[string]Handler
	classify  CodeClassifier
}

// NewServer builds an empty dispatch table. Register methods with
// Register before calling ServeHTTP.
func NewServer(classify CodeClassifier) *Server {
	if classify == nil {
		classify = func(error) int { return -32603 }
	}
	return &Server{methods: make(map[string]Handler), classify: classify}
}

// Register adds a named method to the dispatch table. Re-registering a
// name overwrites the previous handler.
func (s *Server) Register(method string, h Handler) {
	s.methods[method] = h
}

// ServeHTTP implements the single POST endpoint every JSON-RPC 2.0
// bundler exposes (section 6): one route, method-routed by body.
func (s *Server) ServeHTTP(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewError(nil, -32700, "parse error: "+err.Error()))
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		c.JSON(http.StatusOK, NewError(req.ID, -32601, "method not found: "+req.Method))
		return
	}

	result, err := handler(c, req.Params)
	if err != nil {
		c.JSON(http.StatusOK, NewError(req.ID, s.classify(err), err.Error()))
		return
	}

	resp, err := NewResult(req.ID, result)
	if err != nil {
		c.JSON(http.StatusOK, NewError(req.ID, -32603, "failed to marshal result: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, resp)
}
