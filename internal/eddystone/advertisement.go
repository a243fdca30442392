// Package eddystone decodes BLE advertisement records and the Eddystone
// frames carried in their service data.
package eddystone

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BaseUUIDSuffix completes 16 and 32 bit service UUIDs to their 128 bit form.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ServiceUUID16 is the 16 bit service UUID assigned to Eddystone.
const ServiceUUID16 uint16 = 0xfeaa

// ServiceUUID is the Eddystone service UUID in 128 bit form.
var ServiceUUID = UUID16(ServiceUUID16)

var ErrMalformedRecord = errors.New("malformed advertisement record")

// AD structure types handled by ParseRecord.
const (
	adIncomplete16   = 0x02
	adComplete16     = 0x03
	adIncomplete32   = 0x04
	adComplete32     = 0x05
	adIncomplete128  = 0x06
	adComplete128    = 0x07
	adShortName      = 0x08
	adCompleteName   = 0x09
	adTxPower        = 0x0a
	adServiceData16  = 0x16
	adServiceData32  = 0x20
	adServiceData128 = 0x21
	adManufacturer   = 0xff
)

// Advertisement is the decoded content of a scan record.
type Advertisement struct {
	LocalName        string
	TxPowerLevel     int
	HasTxPowerLevel  bool
	ServiceUUIDs     []string
	ServiceData      map[string][]byte
	ManufacturerData []byte
}

// UUID16 expands a 16 bit service UUID.
func UUID16(u uint16) string {
	return fmt.Sprintf("0000%04x%s", u, BaseUUIDSuffix)
}

// UUID32 expands a 32 bit service UUID.
func UUID32(u uint32) string {
	return fmt.Sprintf("%08x%s", u, BaseUUIDSuffix)
}

// UUID128 formats 16 bytes, in the order they appear on air, as an RFC 4122
// string.
func UUID128(b []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// ParseRecord decodes a raw scan record: a sequence of length-prefixed AD
// structures terminated by a zero length or the end of the buffer. Unknown
// types are skipped.
func ParseRecord(record []byte) (*Advertisement, error) {
	adv := &Advertisement{ServiceData: map[string][]byte{}}

	for pos := 0; pos < len(record); {
		length := int(record[pos])
		pos++
		if length == 0 {
			break
		}
		if pos+length > len(record) {
			return nil, fmt.Errorf("%w: structure at %d overruns record", ErrMalformedRecord, pos-1)
		}
		typ := record[pos]
		data := record[pos+1 : pos+length]
		pos += length

		switch typ {
		case adIncomplete16, adComplete16:
			for i := 0; i+2 <= len(data); i += 2 {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, UUID16(binary.LittleEndian.Uint16(data[i:])))
			}
		case adIncomplete32, adComplete32:
			for i := 0; i+4 <= len(data); i += 4 {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, UUID32(binary.LittleEndian.Uint32(data[i:])))
			}
		case adIncomplete128, adComplete128:
			for i := 0; i+16 <= len(data); i += 16 {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, UUID128(data[i:i+16]))
			}
		case adShortName, adCompleteName:
			adv.LocalName = string(data)
		case adTxPower:
			if len(data) < 1 {
				return nil, fmt.Errorf("%w: empty tx power level", ErrMalformedRecord)
			}
			adv.TxPowerLevel = int(int8(data[0]))
			adv.HasTxPowerLevel = true
		case adServiceData16:
			if len(data) < 2 {
				return nil, fmt.Errorf("%w: short 16 bit service data", ErrMalformedRecord)
			}
			adv.ServiceData[UUID16(binary.LittleEndian.Uint16(data))] = clone(data[2:])
		case adServiceData32:
			if len(data) < 4 {
				return nil, fmt.Errorf("%w: short 32 bit service data", ErrMalformedRecord)
			}
			adv.ServiceData[UUID32(binary.LittleEndian.Uint32(data))] = clone(data[4:])
		case adServiceData128:
			if len(data) < 16 {
				return nil, fmt.Errorf("%w: short 128 bit service data", ErrMalformedRecord)
			}
			adv.ServiceData[UUID128(data[:16])] = clone(data[16:])
		case adManufacturer:
			adv.ManufacturerData = clone(data)
		}
	}
	return adv, nil
}

// Eddystone returns the Eddystone service data, if present.
func (a *Advertisement) Eddystone() ([]byte, bool) {
	data, ok := a.ServiceData[ServiceUUID]
	return data, ok
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
