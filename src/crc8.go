package acomms

import "github.com/sigurn/crc8"

// CRC-8/CDMA2000: poly 0x9B (0x19B with the top bit), init 0xFF, not
// reflected, no final xor.
var crc8Table = crc8.MakeTable(crc8.CRC8_CDMA2000)

func CRC8(data []byte) byte {
	return crc8.Checksum(data, crc8Table)
}
