package store

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintHash32(t *testing.T) {
	// sha1-sized input: 160 bits is exactly 32 base32 characters
	zeros := make([]byte, 20)
	got := printHash32(zeros)
	tassert(t, got == strings.Repeat("0", 32), "zeros = %s", got)

	ones := bytes.Repeat([]byte{0xff}, 20)
	got = printHash32(ones)
	tassert(t, got == strings.Repeat("z", 32), "ones = %s", got)

	// the low-order bits of the hash land in the last character
	low := make([]byte, 20)
	low[0] = 1
	got = printHash32(low)
	tassert(t, got == strings.Repeat("0", 31)+"1", "low = %s", got)
}

func TestPrintHash32Alphabet(t *testing.T) {
	got := printHash32(hashString("/some/user/link"))
	tassert(t, len(got) == 32, "len = %d", len(got))
	for _, c := range got {
		tassert(t, strings.ContainsRune(base32Chars, c), "bad char %q in %s", c, got)
	}
	// the alphabet omits letters that could spell words
	for _, c := range "eout" {
		tassert(t, !strings.ContainsRune(base32Chars, c), "alphabet contains %q", c)
	}
}

func TestHashStringStable(t *testing.T) {
	a := printHash32(hashString("/a"))
	b := printHash32(hashString("/b"))
	tassert(t, a == printHash32(hashString("/a")), "not deterministic")
	tassert(t, a != b, "distinct inputs collided")
}
