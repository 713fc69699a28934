// Package repack runs one pack cycle for an extension directory.
//
// A cycle resolves the next version, writes a manifest.json carrying that
// version and the development update_url, packs and signs the directory,
// publishes the bundle and update document, and puts the author's manifest back
// exactly as it was.
package repack
