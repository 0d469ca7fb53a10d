package library

import (
	"context"
	"encoding/xml"
	"os"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

// SystemUCUM is UCUM's canonical system URL.
const SystemUCUM = "http://unitsofmeasure.org"

// ucumEssence mirrors the handful of fields this server reads out of UCUM's
// essence.xml distribution — unit code and print symbol. No UCUM-aware parsing library appears anywhere in the
// example pack (see DESIGN.md), so this reads the essence file with the
// stdlib encoding/xml decoder directly, the same way the teacher reaches
// for encoding/xml elsewhere it has no better-fit library.
type ucumEssence struct {
	XMLName xml.Name `xml:"root"`
	Units   []struct {
		Code   string `xml:"Code,attr"`
		Symbol struct {
			Value string `xml:",chardata"`
		} `xml:"printSymbol"`
	} `xml:"unit"`
}

// UCUMProvider checks unit codes against the set of codes in a parsed
// essence table. It does not normalize or convert units.
type UCUMProvider struct {
	codes map[string]bool
}

var _ fhirsmith.CodeSystemProvider = (*UCUMProvider)(nil)

func (u *UCUMProvider) System() string                { return SystemUCUM }
func (u *UCUMProvider) Version() string                { return "" }
func (u *UCUMProvider) Resource() *fhirsmith.Resource  { return nil }

// HasCode reports whether code is a known UCUM unit code.
func (u *UCUMProvider) HasCode(code string) bool { return u.codes[code] }

// ucumFactory loads essence.xml from a local path.
type ucumFactory struct{}

var _ codesystem.Factory = ucumFactory{}

func (ucumFactory) New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error) {
	const op = "library.ucumFactory.New"
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Inner: err}
	}
	var essence ucumEssence
	if err := xml.Unmarshal(b, &essence); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Message: "parsing UCUM essence.xml", Inner: err}
	}
	codes := make(map[string]bool, len(essence.Units))
	for _, u := range essence.Units {
		if u.Code != "" {
			codes[u.Code] = true
		}
	}
	return &UCUMProvider{codes: codes}, nil
}

func init() {
	codesystem.Register("ucum", ucumFactory{})
}
