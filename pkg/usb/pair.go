package usb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/blacktop/go-plist"
)

// ErrPairingDataInvalid is returned for malformed or incomplete pair records.
var ErrPairingDataInvalid = errors.New("invalid pairing data")

// PairRecord is a device pair record. The decoded fields are used to open
// lockdown sessions; the raw form is served back verbatim to muxer clients.
type PairRecord struct {
	DeviceCertificate []byte
	EscrowBag         []byte
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	SystemBUID        string
	UDID              string
	WiFiMACAddress    string

	raw  map[string]any
	data []byte
}

// ParsePairRecord parses the contents of a pairing file (XML or binary plist).
// The record must carry a UDID string.
func ParsePairRecord(data []byte) (*PairRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty pairing file", ErrPairingDataInvalid)
	}

	var raw map[string]any
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairingDataInvalid, err)
	}
	udid, ok := raw["UDID"].(string)
	if !ok || udid == "" {
		return nil, fmt.Errorf("%w: missing UDID", ErrPairingDataInvalid)
	}

	var record PairRecord
	if _, err := plist.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairingDataInvalid, err)
	}
	record.UDID = udid
	record.raw = raw

	// canonical XML form, computed once; the record is never mutated after load
	canonical, err := plist.MarshalIndent(raw, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairingDataInvalid, err)
	}
	record.data = canonical

	return &record, nil
}

// Bytes returns a copy of the record in canonical XML plist form.
func (p *PairRecord) Bytes() []byte {
	return bytes.Clone(p.data)
}

// Value returns the raw value stored under key.
func (p *PairRecord) Value(key string) (any, bool) {
	v, ok := p.raw[key]
	return v, ok
}
