// Package stamp generates probabilistically unique names for records and
// sidecar files.
//
// A stamp is a local timestamp with second resolution followed by random
// uppercase alphanumeric characters, e.g. "2024_03_01-14_05_09_Q3ZK81TB". It is
// not cryptographically unique: two stamps made in the same second collide with
// probability 36^-n.
package stamp

import (
	"math/rand/v2"
	"strings"
	"time"
)

const (
	// Layout is the time.Format layout of the timestamp part.
	Layout = "2006_01_02-15_04_05"

	// DefaultRandomLen is the number of random characters appended by New.
	DefaultRandomLen = 8

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// New returns a stamp for the current time with DefaultRandomLen random
// characters.
func New() string {
	return At(time.Now(), DefaultRandomLen)
}

// At returns a stamp for t with n random characters.
func At(t time.Time, n int) string {
	var b strings.Builder
	b.Grow(len(Layout) + 1 + n)
	b.WriteString(t.Format(Layout))
	b.WriteByte('_')
	for range n {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}
