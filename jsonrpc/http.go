package jsonrpc

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

// DefaultMaxBodyBytes bounds the request body read by HTTPHandler.
const DefaultMaxBodyBytes = 1 << 20

// HTTPHandler serves a Peer as JSON-RPC over HTTP
// (https://www.simple-is-better.org/json-rpc/transport_http.html).
//
// The handler serializes access to the peer, so the peer must not be used
// elsewhere while the handler is serving.
type HTTPHandler struct {
	mu   sync.Mutex
	peer *Peer

	// MaxBodyBytes limits the request body; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// NewHTTPHandler creates a handler for p.
func NewHTTPHandler(p *Peer) *HTTPHandler {
	return &HTTPHandler{peer: p}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "JSON-RPC requires POST method", http.StatusMethodNotAllowed)
		return
	}

	// Per JSON-RPC over HTTP, Content-Type must be application/json
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	reply, err := h.peer.Handle(r.Context(), body)
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// No reply means the body held only notifications and replies.
	reply = Outgoing(reply)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out, err := Encode(reply)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(out, '\n'))
}
