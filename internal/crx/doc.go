// Package crx builds signed CRX3 bundles and gupdate documents.
//
// A bundle is laid out as
//
//	"Cr24" | uint32le(3) | uint32le(len(header)) | header | zip
//
// where header is a protobuf CrxFileHeader carrying one sha256_with_rsa proof
// and the signed SignedData{crx_id}. The extension ID browsers display is the
// crx_id rendered with the letters a-p.
//
// Signing, key generation and key serialization are delegated to go-crx3;
// this package owns the archive contents, verification and update documents.
package crx
