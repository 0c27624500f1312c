// Package api defines the JSON shape shared by the HTTP and gRPC
// reconstruction endpoints.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"showerreco/internal/hillas"
	"showerreco/internal/reco"
)

// ErrEmptyRequest is returned for a request body without content.
var ErrEmptyRequest = errors.New("empty request")

// Response is the reply to a single-event reconstruction request.
type Response struct {
	Prediction    reco.Prediction `json:"prediction"`
	Reconstructed bool            `json:"reconstructed"`
	Status        reco.Status     `json:"status"`
	Telescopes    int             `json:"telescopes"`
	Pairs         int             `json:"pairs"`
	ExcludedPairs int             `json:"excluded_pairs"`
}

// NewResponse converts a reconstruction result.
func NewResponse(res reco.Result) Response {
	return Response{
		Prediction:    res.Prediction(),
		Reconstructed: res.Reconstructed(),
		Status:        res.Status,
		Telescopes:    res.Telescopes,
		Pairs:         res.Pairs,
		ExcludedPairs: res.ExcludedPairs,
	}
}

// DecodeEvent parses an array event:
//
//	{"array_event_id": 7, "observations": {"1": {"moments": {...}, "pointing": {...}}}}
//
// Unknown fields are rejected so that misspelt keys do not silently read as
// zero.
func DecodeEvent(data []byte) (hillas.ArrayEvent, error) {
	var ev hillas.ArrayEvent
	if len(bytes.TrimSpace(data)) == 0 {
		return ev, ErrEmptyRequest
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Reconstruct decodes one event and reconstructs it.
func Reconstruct(r *reco.Reconstructor, data []byte) (reco.Result, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return reco.Result{}, err
	}
	return r.Reconstruct(ev), nil
}
