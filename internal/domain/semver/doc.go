// Package semver resolves the next extension version.
//
// A request is either empty (keep the previous version), one of the bump
// keywords major, minor and patch, or an explicit version literal that is used
// verbatim. Version text is parsed leniently: missing or non-numeric segments
// count as zero.
package semver
