package crx

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mediabuyerbot/go-crx3/pb"
	"google.golang.org/protobuf/proto"
)

const (
	// magic opens every CRX file.
	magic = "Cr24"
	// formatVersion is the only CRX format accepted.
	formatVersion uint32 = 3
	// signaturePrefix is prepended to the signed payload.
	signaturePrefix = "CRX3 SignedData\x00"

	// prefixLength covers magic, version and header length.
	prefixLength = 12
)

var (
	// ErrInvalidBundle is returned when bytes are not a well-formed CRX3 file.
	ErrInvalidBundle = errors.New("invalid CRX3 bundle")
	// ErrSignatureMismatch is returned when no proof verifies against the payload.
	ErrSignatureMismatch = errors.New("CRX3 signature mismatch")
)

// Header is the decoded part of a CRX3 file that matters for verification.
type Header struct {
	// ID is the extension ID derived from crx_id.
	ID string
	// PublicKey is the DER public key of the first RSA proof.
	PublicKey []byte
	// Signature is the signature of the first RSA proof.
	Signature []byte
	// SignedHeaderData is the serialized SignedData message.
	SignedHeaderData []byte
	// Archive is the zip payload following the header.
	Archive []byte
}

// signaturePayload is the byte sequence covered by the RSA signature.
func signaturePayload(signedHeaderData, archive []byte) []byte {
	var buf bytes.Buffer

	buf.Grow(len(signaturePrefix) + 4 + len(signedHeaderData) + len(archive))
	buf.WriteString(signaturePrefix)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(signedHeaderData))) //nolint:gosec // Header data is tiny.
	buf.Write(signedHeaderData)
	buf.Write(archive)

	return buf.Bytes()
}

// ParseHeader decodes the CRX3 prefix and header of bundle without verifying it.
func ParseHeader(bundle []byte) (*Header, error) {
	if len(bundle) < prefixLength || string(bundle[:4]) != magic {
		return nil, fmt.Errorf("missing magic: %w", ErrInvalidBundle)
	}

	if v := binary.LittleEndian.Uint32(bundle[4:8]); v != formatVersion {
		return nil, fmt.Errorf("format version %d: %w", v, ErrInvalidBundle)
	}

	headerLength := uint64(binary.LittleEndian.Uint32(bundle[8:12]))
	if headerLength > uint64(len(bundle)-prefixLength) {
		return nil, fmt.Errorf("header length %d: %w", headerLength, ErrInvalidBundle)
	}

	raw := bundle[prefixLength : prefixLength+int(headerLength)]

	var fileHeader pb.CrxFileHeader
	if err := proto.Unmarshal(raw, &fileHeader); err != nil {
		return nil, fmt.Errorf("decode header: %w: %w", ErrInvalidBundle, err)
	}

	h := &Header{
		SignedHeaderData: fileHeader.GetSignedHeaderData(),
		Archive:          bundle[prefixLength+int(headerLength):],
	}

	if proofs := fileHeader.GetSha256WithRsa(); len(proofs) > 0 {
		h.PublicKey = proofs[0].GetPublicKey()
		h.Signature = proofs[0].GetSignature()
	}

	var signed pb.SignedData
	if err := proto.Unmarshal(h.SignedHeaderData, &signed); err != nil {
		return nil, fmt.Errorf("decode signed data: %w: %w", ErrInvalidBundle, err)
	}

	h.ID = EncodeID(signed.GetCrxId())

	if h.PublicKey == nil || h.Signature == nil || h.SignedHeaderData == nil {
		return nil, fmt.Errorf("incomplete header: %w", ErrInvalidBundle)
	}

	return h, nil
}

// Verify checks the RSA proof of bundle and that its crx_id belongs to the signing key.
func Verify(bundle []byte) (*Header, error) {
	h, err := ParseHeader(bundle)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKIXPublicKey(h.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%T: %w", parsed, ErrUnsupportedKey)
	}

	if h.ID != EncodeID(crxID(h.PublicKey)) {
		return nil, fmt.Errorf("crx_id does not match public key: %w", ErrSignatureMismatch)
	}

	digest := sha256.Sum256(signaturePayload(h.SignedHeaderData, h.Archive))
	if err = rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], h.Signature); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}

	return h, nil
}
