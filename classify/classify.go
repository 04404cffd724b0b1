// Package classify implements response classification for retries and
// metrics, per spec.md §4.7: turn a Service's response (or error) into
// a small enum — Success or Failure — plus an Immediate flag
// distinguishing classifications decided from the response head
// (status code) from ones that require reading the body (the
// grpc-status trailer).
//
// Grounded on monitoring/alerts.go's status-threshold classification
// style (bucket a response by numeric code range) and on the
// supplemented classify.rs "ClassifyEos" behavior from
// original_source/: gRPC's real outcome lives in the grpc-status
// trailer, not the HTTP status, so an HTTP 200 with a non-zero
// grpc-status still classifies as Failure.
package classify

import (
	"net/http"
	"strconv"
)

// Outcome is the result of classifying a response.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Class is a classification result: the Outcome plus whether it was
// knowable immediately (from headers/status alone) or only after the
// body/trailers were read.
type Class struct {
	Outcome   Outcome
	Immediate bool
}

// ResponseClassifier turns an HTTP response (and/or error) into a
// Class. Implementations may need the trailers, which are only
// populated after the body has been fully read — in that case
// Immediate is false and the caller must classify again once EOS is
// reached.
type ResponseClassifier interface {
	ClassifyHead(resp *http.Response, err error) Class
	ClassifyEOS(resp *http.Response) Class
}

// httpStatusClassifier treats any 5xx as Failure and everything else
// (including a transport error, which has no status at all) as
// immediately decidable.
type httpStatusClassifier struct{}

// HTTPStatus classifies purely on HTTP status code: 5xx is Failure,
// anything else (or a transport error) is decided immediately.
func HTTPStatus() ResponseClassifier { return httpStatusClassifier{} }

func (httpStatusClassifier) ClassifyHead(resp *http.Response, err error) Class {
	if err != nil {
		return Class{Outcome: Failure, Immediate: true}
	}
	if resp.StatusCode >= 500 {
		return Class{Outcome: Failure, Immediate: true}
	}
	return Class{Outcome: Success, Immediate: true}
}

func (httpStatusClassifier) ClassifyEOS(resp *http.Response) Class {
	return Class{Outcome: Success, Immediate: true}
}

// GRPCStatusOK is the grpc-status trailer value meaning success.
const GRPCStatusOK = "0"

// grpcTrailerClassifier looks at the grpc-status trailer, which is
// only available after the response body has been fully consumed;
// until then classification must wait for ClassifyEOS.
type grpcTrailerClassifier struct{}

// GRPCTrailer classifies on the grpc-status trailer rather than the
// HTTP status: a gRPC call nearly always returns HTTP 200, with the
// real outcome carried in a trailer sent after the body.
func GRPCTrailer() ResponseClassifier { return grpcTrailerClassifier{} }

func (grpcTrailerClassifier) ClassifyHead(resp *http.Response, err error) Class {
	if err != nil {
		return Class{Outcome: Failure, Immediate: true}
	}
	// The grpc-status trailer isn't populated until the body has been
	// read; an HTTP-level failure before any body is still decidable
	// immediately.
	if resp.StatusCode >= 400 {
		return Class{Outcome: Failure, Immediate: true}
	}
	return Class{Outcome: Success, Immediate: false}
}

func (grpcTrailerClassifier) ClassifyEOS(resp *http.Response) Class {
	status := resp.Trailer.Get("grpc-status")
	if status == "" || status == GRPCStatusOK {
		return Class{Outcome: Success, Immediate: true}
	}
	return Class{Outcome: Failure, Immediate: true}
}

// ParseGRPCStatus parses a grpc-status trailer value into its integer
// code, defaulting to OK (0) if absent or unparsable.
func ParseGRPCStatus(trailer http.Header) int {
	v := trailer.Get("grpc-status")
	if v == "" {
		return 0
	}
	code, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return code
}
