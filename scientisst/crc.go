package scientisst

var crc4Table = [16]byte{0, 3, 6, 5, 12, 15, 10, 9, 11, 8, 13, 14, 7, 4, 1, 2}

// crc4 computes the 4bit checksum the firmware stores in the low nibble of
// the last byte of b. That nibble itself is not part of the checksum.
func crc4(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	crc := byte(0)
	for _, c := range b[:len(b)-1] {
		crc = crc4Table[crc] ^ (c >> 4)
		crc = crc4Table[crc] ^ (c & 0x0F)
	}

	// Sequence number nibble
	crc = crc4Table[crc] ^ (b[len(b)-1] >> 4)
	return crc4Table[crc]
}

func checkCRC4(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return crc4(b) == b[len(b)-1]&0x0F
}

// sealCRC4 writes the checksum into the low nibble of the last byte
func sealCRC4(b []byte) {
	if len(b) == 0 {
		return
	}
	b[len(b)-1] = b[len(b)-1]&0xF0 | crc4(b)
}
