package conversation

import "errors"

// Sentinel errors forming the subsystem's error taxonomy. Callers check
// them with errors.Is; wrapping adds operation context.
//
// Propagation policy:
//   - ErrConnectivity on the cache tier is absorbed locally (the cache
//     degrades to an in-process fallback) and never surfaces to callers.
//   - ErrDurability and ErrConnectivity on the durable tier always surface;
//     losing the permanent record is never silent.
var (
	// ErrNotFound indicates the requested session or transcript does not
	// exist. Distinct from "found but empty" so callers can offer a restore
	// action only when restore would actually produce data.
	ErrNotFound = errors.New("not found")

	// ErrConnectivity indicates a backing store is unreachable or timed out.
	ErrConnectivity = errors.New("store unreachable")

	// ErrValidation indicates a malformed request, such as empty message
	// text or an unknown role.
	ErrValidation = errors.New("invalid input")

	// ErrDurability indicates the durable tier rejected a write. Surfaced
	// to the caller so it can retry or warn the user: losing the durable
	// copy risks losing the session on next restore.
	ErrDurability = errors.New("durable write failed")
)
