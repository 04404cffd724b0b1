// Package httpadapter translates router-level errors into HTTP
// responses and handles the internal protocol-translation header, per
// spec.md §6: NotRecognized/Route/Inner map to 500, NoCapacity maps to
// 503, both with an empty body and content-length: 0; an internal
// HTTP/2 hop carrying an originally-HTTP/1 request carries that fact
// in the l5d-orig-proto header, which is stripped and the request
// version restored before the request reaches anything upstream of
// the router.
//
// Grounded on pkg/middleware/logging.go's http.Handler-wrapping
// (already adapted into encore.app/telemetry) and the error-taxonomy
// shape router.go defines; this package only knows how to render that
// taxonomy as wire responses, not how to build it.
package httpadapter

import (
	"net/http"
	"strconv"
	"strings"

	"encore.app/router"
)

// OrigProtoHeader carries the original protocol version of a request
// forwarded over an internal HTTP/2 hop.
const OrigProtoHeader = "l5d-orig-proto"

// StatusFor maps a Router error to the HTTP status code that should be
// written for it. Errors not produced by router.Router fall back to
// 500, matching spec.md's "anything else" treatment as an inner error.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.(type) {
	case *router.NoCapacity:
		return http.StatusServiceUnavailable
	case router.NotRecognized:
		return http.StatusInternalServerError
	case *router.RouteConstruction:
		return http.StatusInternalServerError
	case *router.Inner:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the empty-body, content-length: 0 response
// spec.md §6 requires for every router-level error.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

// StripOrigProto removes the l5d-orig-proto header from req, restoring
// req.Proto/ProtoMajor/ProtoMinor to the version it names. It is a
// no-op if the header is absent. Returns whether the header was
// present (and thus whether the caller should treat this request as
// translated).
func StripOrigProto(req *http.Request) bool {
	value := req.Header.Get(OrigProtoHeader)
	if value == "" {
		return false
	}
	req.Header.Del(OrigProtoHeader)

	proto := value
	if idx := strings.Index(proto, ";"); idx >= 0 {
		proto = strings.TrimSpace(proto[:idx])
	}

	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return true
	}
	req.Proto = proto
	req.ProtoMajor = major
	req.ProtoMinor = minor
	return true
}

// SetOrigProto stamps req with the l5d-orig-proto header describing
// its current protocol version, for forwarding over an internal
// HTTP/2 hop. absoluteForm should be true if the request line used
// absolute-form (proxy requests), appending "; absolute-form" per
// spec.md §6.
func SetOrigProto(req *http.Request, absoluteForm bool) {
	value := req.Proto
	if value == "" {
		value = "HTTP/" + strconv.Itoa(req.ProtoMajor) + "." + strconv.Itoa(req.ProtoMinor)
	}
	if absoluteForm {
		value += "; absolute-form"
	}
	req.Header.Set(OrigProtoHeader, value)
}

// Handler adapts a router.Router into an http.Handler: it calls the
// router, writes the error response shape on failure, and otherwise
// copies the returned response verbatim.
func Handler[T comparable](r *router.Router[T]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		StripOrigProto(req)

		resp, err := r.Call(req.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		defer resp.Body.Close()

		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	})
}
