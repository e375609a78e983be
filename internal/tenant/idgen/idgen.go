// Package idgen produces tenant identifiers.
package idgen

import (
	"crypto/rand"
	"fmt"
	"io"

	id "tenancy/pkg/domain"
)

// Generator yields candidate tenant identifiers. Candidates are not checked
// for existence; callers resolve collisions against the tenant store.
type Generator interface {
	Generate() id.TenantID
}

// acceptBelow is the largest multiple of the alphabet size that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const acceptBelow = 256 - (256 % len(id.TenantIDAlphabet))

// Random draws identifiers from a cryptographically strong source.
type Random struct {
	source io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Random {
	return &Random{source: rand.Reader}
}

// NewWithSource is used by tests to inject a deterministic or failing entropy source.
func NewWithSource(r io.Reader) *Random {
	return &Random{source: r}
}

// Generate returns a well-formed identifier. It panics if the entropy source
// fails: running without randomness is not a recoverable state.
func (g *Random) Generate() id.TenantID {
	out := make([]byte, 0, id.TenantIDLength)
	buf := make([]byte, id.TenantIDLength*2)
	for len(out) < id.TenantIDLength {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			panic(fmt.Sprintf("idgen: entropy source failed: %v", err))
		}
		for _, b := range buf {
			if int(b) >= acceptBelow {
				continue
			}
			out = append(out, id.TenantIDAlphabet[int(b)%len(id.TenantIDAlphabet)])
			if len(out) == id.TenantIDLength {
				break
			}
		}
	}
	return id.TenantID(out)
}

// Sequence replays fixed identifiers, then repeats the last one.
// Used to script collisions in tests.
type Sequence struct {
	ids []id.TenantID
	pos int
}

func NewSequence(ids ...id.TenantID) *Sequence {
	return &Sequence{ids: ids}
}

func (s *Sequence) Generate() id.TenantID {
	if len(s.ids) == 0 {
		return ""
	}
	if s.pos >= len(s.ids) {
		return s.ids[len(s.ids)-1]
	}
	next := s.ids[s.pos]
	s.pos++
	return next
}
