// Package checkpoint keeps the run history: the last report of every sync
// target, so `followsync status` can show what happened without touching
// the record store.
//
// The history is a single JSON file, by default under the XDG data
// directory:
//   - $XDG_DATA_HOME/followsync/history.json
//   - ~/.local/share/followsync/history.json
//
// Writes go to a temporary file that is synced and renamed over the old
// one, so a crash never leaves a truncated history. The history is a log
// for operators; the record store stays the source of truth for which
// accounts a target already follows.
package checkpoint
