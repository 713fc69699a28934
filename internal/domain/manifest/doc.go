// Package manifest reads and rewrites an extension's manifest.json.
//
// A Manifest keeps the exact bytes it was loaded from, so a derived copy can be
// written for packing and the original restored afterwards without reformatting
// the author's file.
package manifest
