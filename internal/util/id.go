package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewID returns prefix_<ms timestamp base36>_<random hex>. Ids with the same
// prefix sort roughly by creation time.
func NewID(prefix string) string {
	random := make([]byte, 10)
	_, _ = rand.Read(random)
	id := strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + hex.EncodeToString(random)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
