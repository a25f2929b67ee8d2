package wal

// ============================================================================
// Checksums
// Responsibility: CRC32 over the encoded event
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of the event encoded with a zero
// Checksum field. encoding/json emits struct fields in declaration order and
// map keys sorted, so the encoding is stable.
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
