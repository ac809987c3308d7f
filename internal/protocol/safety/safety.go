package safety

import (
	"crypto/sha512"

	"veil/internal/domain"
)

const (
	// iterations hardens the displayed number against brute-forcing a key
	// that maps to a chosen fingerprint.
	iterations = 5200

	groupsPerParty = 6
	digitsPerGroup = 5
)

// Number derives the 60-digit safety number for two parties. Both sides
// compute an identical value regardless of who initiates: the two
// (user id, identity key) pairs are ordered lexicographically by user id
// before concatenation.
func Number(
	localUser domain.UserID, localKey domain.X25519Public,
	remoteUser domain.UserID, remoteKey domain.X25519Public,
) string {
	first, firstKey := localUser, localKey
	second, secondKey := remoteUser, remoteKey
	if string(remoteUser) < string(localUser) {
		first, firstKey = remoteUser, remoteKey
		second, secondKey = localUser, localKey
	}
	return partyDigits(first, firstKey) + partyDigits(second, secondKey)
}

// partyDigits maps one party to 30 decimal digits: an iterated SHA-512 over
// the user id and identity key, then six 5-digit groups from consecutive
// 5-byte windows.
func partyDigits(user domain.UserID, key domain.X25519Public) string {
	sum := sha512.Sum512(append([]byte(user), key[:]...))
	for i := 1; i < iterations; i++ {
		sum = sha512.Sum512(append(sum[:], key[:]...))
	}

	out := make([]byte, 0, groupsPerParty*digitsPerGroup)
	for g := 0; g < groupsPerParty; g++ {
		window := sum[g*5 : g*5+5]
		var v uint64
		for _, b := range window {
			v = v<<8 | uint64(b)
		}
		v %= 100000
		var buf [digitsPerGroup]byte
		for i := digitsPerGroup - 1; i >= 0; i-- {
			buf[i] = byte('0' + v%10)
			v /= 10
		}
		out = append(out, buf[:]...)
	}
	return string(out)
}
