// Package artifact implements the public directory holding the published
// bundle and update document.
//
// Artifacts are replaced through go-update, so a browser polling the server
// sees either the previous file or the new one, never a partial write.
// PreviousVersion reads the version back from the update document, which is the
// only state that survives process restarts.
package artifact
