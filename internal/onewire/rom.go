// Package onewire decodes the 64-bit ROM read from a 1-Wire touch key.
package onewire

import (
	"encoding/binary"

	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// FamilyIButton is the family byte of DS1990A serial number keys.
const FamilyIButton = 0x01

// ROM is the raw ROM in wire order: family, six serial bytes, CRC.
type ROM [8]byte

var crcTable = func() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8C
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC8 computes the Dallas/Maxim CRC-8 (x^8+x^5+x^4+1, reflected) of b.
func CRC8(b []byte) byte {
	var crc byte
	for _, v := range b {
		crc = crcTable[crc^v]
	}
	return crc
}

// DecodeROM checks the family byte and the CRC and returns the credential
// code: the ROM read as a big-endian integer, so the family byte is the most
// significant byte and the CRC the least.
func DecodeROM(rom ROM) (uint64, error) {
	if rom[0] != FamilyIButton {
		return 0, errclass.ErrFamilyMismatch.WithMessagef("family %#02x", rom[0])
	}
	if CRC8(rom[:]) != 0 {
		return 0, errclass.ErrCRCMismatch.WithMessagef("rom % x: crc %#02x, computed %#02x", rom[:], rom[7], CRC8(rom[:7]))
	}
	return rom.Uint64(), nil
}

// Uint64 reads the ROM as a big-endian integer without any check.
func (r ROM) Uint64() uint64 { return binary.BigEndian.Uint64(r[:]) }

// EncodeROM builds the ROM of an iButton with the given serial and appends
// its CRC.
func EncodeROM(serial [6]byte) ROM {
	var rom ROM
	rom[0] = FamilyIButton
	copy(rom[1:7], serial[:])
	rom[7] = CRC8(rom[:7])
	return rom
}

// ROMFromCode splits a code back into wire order without any check.
func ROMFromCode(code uint64) ROM {
	var rom ROM
	binary.BigEndian.PutUint64(rom[:], code)
	return rom
}
