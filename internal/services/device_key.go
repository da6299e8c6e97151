package services

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DeviceHasher turns raw device identifiers into stable keyed hashes so raw
// hardware ids never reach storage.
type DeviceHasher struct {
	key []byte
}

func NewDeviceHasher(secret string) *DeviceHasher {
	k := []byte(secret)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum512(k)
		k = sum[:]
	}
	return &DeviceHasher{key: k}
}

func (h *DeviceHasher) Key(deviceID string) string {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return ""
	}
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// Only returned for keys longer than 64 bytes, which NewDeviceHasher rules out.
		panic(err)
	}
	mac.Write([]byte(strings.ToLower(id)))
	return hex.EncodeToString(mac.Sum(nil))
}
