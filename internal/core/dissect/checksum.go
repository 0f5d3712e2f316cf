package dissect

// InternetChecksum computes the RFC 1071 one's complement checksum over the
// concatenation of parts. A buffer that already carries a correct checksum
// sums to zero.
func InternetChecksum(parts ...[]byte) uint16 {
	var sum uint32
	var odd bool
	var carry byte
	for _, p := range parts {
		i := 0
		if odd && len(p) > 0 {
			sum += uint32(carry)<<8 | uint32(p[0])
			i, odd = 1, false
		}
		for ; i+1 < len(p); i += 2 {
			sum += uint32(p[i])<<8 | uint32(p[i+1])
		}
		if i < len(p) {
			carry, odd = p[i], true
		}
	}
	if odd {
		sum += uint32(carry) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
