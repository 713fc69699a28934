// Package extension serves the published update document and bundle over HTTP.
//
// Each Server owns its gin engine and metrics registry, so independent
// instances can run side by side. Observers are notified synchronously after
// every served request.
package extension
