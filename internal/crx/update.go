package crx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
)

// UpdateNamespace is the gupdate response namespace.
const UpdateNamespace = "http://www.google.com/update2/response"

// ErrNoVersion is returned when an update document carries no updatecheck version.
var ErrNoVersion = errors.New("update document has no version")

// UpdateDocument is the gupdate response polled by browsers.
type UpdateDocument struct {
	XMLName  xml.Name `xml:"gupdate"`
	Protocol string   `xml:"protocol,attr"`
	Apps     []App    `xml:"app"`
}

// App is one extension entry of an UpdateDocument.
type App struct {
	ID          string      `xml:"appid,attr"`
	UpdateCheck UpdateCheck `xml:"updatecheck"`
}

// UpdateCheck points at the bundle for a version.
type UpdateCheck struct {
	Codebase string `xml:"codebase,attr"`
	Version  string `xml:"version,attr"`
}

// NewUpdateDocument describes a single extension.
func NewUpdateDocument(id, codebase, version string) *UpdateDocument {
	return &UpdateDocument{
		Protocol: "2.0",
		Apps: []App{{
			ID: id,
			UpdateCheck: UpdateCheck{
				Codebase: codebase,
				Version:  version,
			},
		}},
	}
}

// ParseUpdateDocument decodes a gupdate document.
func ParseUpdateDocument(data []byte) (*UpdateDocument, error) {
	var doc UpdateDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode update document: %w", err)
	}

	return &doc, nil
}

// Version returns the updatecheck version of the first app.
func (d *UpdateDocument) Version() (string, error) {
	if len(d.Apps) == 0 || d.Apps[0].UpdateCheck.Version == "" {
		return "", ErrNoVersion
	}

	return d.Apps[0].UpdateCheck.Version, nil
}

// Marshal renders the document with single-quoted attributes, the layout
// browsers and existing tooling expect.
func (d *UpdateDocument) Marshal() []byte {
	var buf bytes.Buffer

	buf.WriteString("<?xml version='1.0' encoding='UTF-8'?>\n")
	buf.WriteString("<gupdate xmlns='" + UpdateNamespace + "' protocol='" + attr(d.Protocol) + "'>\n")

	for _, app := range d.Apps {
		buf.WriteString("  <app appid='" + attr(app.ID) + "'>\n")
		buf.WriteString("    <updatecheck codebase='" + attr(app.UpdateCheck.Codebase) +
			"' version='" + attr(app.UpdateCheck.Version) + "' />\n")
		buf.WriteString("  </app>\n")
	}

	buf.WriteString("</gupdate>\n")

	return buf.Bytes()
}

// attr escapes s for use inside a quoted XML attribute.
func attr(s string) string {
	var buf bytes.Buffer

	_ = xml.EscapeText(&buf, []byte(s))

	return buf.String()
}
