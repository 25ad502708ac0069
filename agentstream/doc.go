// Package agentstream defines the engine-agnostic event vocabulary shared by
// the engine adapters, the per-session router and the downstream consumers
// (checkpoint recorder, file change tracker, UI stream).
//
// # Background
//
// Each engine CLI (claude, codex, gemini) writes its own JSON line format.
// The adapters decode those lines into an Event with one of a small set of
// kinds; everything past the adapter boundary only looks at the kind and the
// decoded fields, never at the engine-specific payload.
//
// # Design
//
//   - Envelope wraps a decoded Event with transport metadata: the topic that
//     delivered it, the publishing origin, the raw payload, the dedupe key and
//     the transcript position assigned by the router.
//
//   - Dedupe keys are topic independent. An engine-provided stable id wins;
//     otherwise the key is a content hash over kind and payload, so the same
//     physical line delivered on a generic and a scoped topic yields the same
//     key.
//
//   - Terminal events (KindComplete, or KindError marked Final) close one
//     prompt's slice of the stream. Non-final errors are diagnostics and are
//     passed through untouched.
package agentstream
