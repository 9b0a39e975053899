package protocol

import "hash/crc32"

// Checksum seeds fixed by the vendor protocol. The header checksum is
// CRC-16/MCRF4XX (reflected 0x1021 polynomial) and the whole-frame
// checksum is a reflected CRC-32 with no final inversion.
const (
	crc16Seed = 0x4C49
	crc32Seed = 0x564F580A

	crc16Poly = 0x8408 // 0x1021 bit-reversed
)

// Checksum16 computes the frame-header checksum over data.
func Checksum16(data []byte) uint16 {
	crc := uint16(crc16Seed)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Checksum32 computes the whole-frame checksum over data.
//
// The vendor algorithm is the standard reflected CRC-32 core with a
// non-standard seed and without the usual final inversion, so the
// stdlib table can be reused by undoing the inversions crc32.Update
// applies around its inner loop.
func Checksum32(data []byte) uint32 {
	return ^crc32.Update(^uint32(crc32Seed), crc32.IEEETable, data)
}
