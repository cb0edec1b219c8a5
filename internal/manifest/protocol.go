// Package manifest implements the manifest protocol decoder/validator and
// the asynchronous manifest client (spec §6.1, §4.4).
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Target is one weighted gateway endpoint from a manifest's targets array
// (spec GLOSSARY, supplemented by original_source/ServerGroup.h which
// models base_url+weight as the unit a gateway group is built from).
type Target struct {
	BaseURL string `json:"base_url"`
	Weight  uint   `json:"weight"`
}

// Result is the validated outcome of a manifest lookup.
type Result struct {
	OK      bool
	Targets []Target
	Message string
	ErrorID string

	// RetryHealthy/RetryErrors override the KeyInfo's refresh cadences
	// when the manifest supplies retry_in (spec §4.4 step 5).
	RetryHealthy *time.Duration
	RetryErrors  *time.Duration
}

// Parse decodes and validates a manifest response body against the schema
// in spec §6.1. Any violation — malformed JSON, a non-object root, a
// missing or unrecognized status, or a wrongly-typed/out-of-range nested
// field — is reported as an error; the caller treats this the same as a
// transport failure (spec §7).
//
// Per spec §9 Open Question (a): "status missing" is invalid, and "status
// present but unrecognized" is invalid — both fall through to the default
// case below, resolving the source's inverted check in the obvious,
// non-buggy way.
func Parse(body []byte) (*Result, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("manifest: body is not a json object: %w", err)
	}

	statusRaw, ok := root["status"]
	if !ok {
		return nil, errors.New("manifest: missing status")
	}
	var status string
	if err := json.Unmarshal(statusRaw, &status); err != nil {
		return nil, fmt.Errorf("manifest: status must be a string: %w", err)
	}

	switch status {
	case "ok":
		return parseOK(root)
	case "error":
		return parseError(root)
	default:
		return nil, fmt.Errorf("manifest: unrecognized status %q", status)
	}
}

func parseOK(root map[string]json.RawMessage) (*Result, error) {
	targetsRaw, ok := root["targets"]
	if !ok {
		return nil, errors.New("manifest: ok response missing targets")
	}
	var targets []Target
	if err := json.Unmarshal(targetsRaw, &targets); err != nil {
		return nil, fmt.Errorf("manifest: targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, errors.New("manifest: targets must be a non-empty array")
	}
	for i, t := range targets {
		if t.Weight < 1 {
			return nil, fmt.Errorf("manifest: target %d has weight < 1", i)
		}
	}

	res := &Result{OK: true, Targets: targets}

	if retryRaw, ok := root["retry_in"]; ok && !isJSONNull(retryRaw) {
		var ri struct {
			AllHealthy *uint64 `json:"all_healthy"`
			HasErrors  *uint64 `json:"has_errors"`
		}
		if err := json.Unmarshal(retryRaw, &ri); err != nil {
			return nil, fmt.Errorf("manifest: retry_in: %w", err)
		}
		if ri.AllHealthy != nil {
			d := time.Duration(*ri.AllHealthy) * time.Second
			res.RetryHealthy = &d
		}
		if ri.HasErrors != nil {
			d := time.Duration(*ri.HasErrors) * time.Second
			res.RetryErrors = &d
		}
	}
	return res, nil
}

func parseError(root map[string]json.RawMessage) (*Result, error) {
	msgRaw, ok := root["message"]
	if !ok {
		return nil, errors.New("manifest: error response missing message")
	}
	var msg string
	if err := json.Unmarshal(msgRaw, &msg); err != nil {
		return nil, fmt.Errorf("manifest: message: %w", err)
	}

	res := &Result{OK: false, Message: msg}

	if eidRaw, ok := root["error_id"]; ok && !isJSONNull(eidRaw) {
		var eid string
		if err := json.Unmarshal(eidRaw, &eid); err != nil {
			return nil, fmt.Errorf("manifest: error_id: %w", err)
		}
		res.ErrorID = eid
	}

	if retryRaw, ok := root["retry_in"]; ok && !isJSONNull(retryRaw) {
		var sec uint64
		if err := json.Unmarshal(retryRaw, &sec); err != nil {
			return nil, fmt.Errorf("manifest: retry_in: %w", err)
		}
		d := time.Duration(sec) * time.Second
		res.RetryErrors = &d
	}
	return res, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Fingerprint computes the canonical segment fingerprint for a resolved
// targets array: the byte-exact re-serialization of the array in the order
// the server returned it (spec §6.1). Two lookups that resolve to
// identical targets, in the same order, produce identical fingerprints and
// therefore identify the same Segment.
func Fingerprint(targets []Target) string {
	b, err := json.Marshal(targets)
	if err != nil {
		// targets was already successfully unmarshaled from JSON, so it is
		// always re-marshalable; this defends only against a future field
		// type that isn't.
		panic(fmt.Sprintf("manifest: targets not marshalable: %v", err))
	}
	return string(b)
}
