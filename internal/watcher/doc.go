// Package watcher triggers a callback when files under a directory change.
//
// Bursts of events are coalesced with a debounce timer. Events arriving within
// one debounce window after the callback returns are dropped, which swallows
// the writes the callback itself makes (the repack cycle rewrites
// manifest.json twice).
package watcher
