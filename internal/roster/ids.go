package roster

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const base36 = "abcdefghijklmnopqrstuvwxyz0123456789"

func randBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			out[i] = base36[0]
			continue
		}
		out[i] = base36[idx.Int64()]
	}
	return string(out)
}

// GeneratePersonID returns a fresh person id like "p-9k2f-x01-7qa".
func GeneratePersonID() string {
	return "p-" + randBase36(4) + "-" + randBase36(3) + "-" + randBase36(3)
}

// NextFreeID returns the smallest positive row id not in use.
func NextFreeID(used []int64) int64 {
	taken := make(map[int64]bool, len(used))
	for _, id := range used {
		taken[id] = true
	}
	var id int64 = 1
	for taken[id] {
		id++
	}
	return id
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9 _.-]+`)

// SanitizeLabel makes a display label safe as a filename stem: unsafe
// characters become underscores, as do spaces.
func SanitizeLabel(label string) string {
	s := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(label), "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Trim(s, "._")
}

// LabelFromFilename restores a display label from a sanitized filename:
// the extension is dropped and underscores become spaces.
func LabelFromFilename(name string) string {
	stem := name
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	stem = strings.ReplaceAll(stem, "_", " ")
	return strings.TrimSpace(stem)
}
