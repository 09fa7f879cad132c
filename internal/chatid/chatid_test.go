package chatid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize10Digit(t *testing.T) {
	id := New("", "5555551234")
	assert.Equal(t, "+15555551234", id.Bare())
}

func TestNormalize11DigitLeadingOne(t *testing.T) {
	id := New("", "15555551234")
	assert.Equal(t, "+15555551234", id.Bare())
}

func TestNormalizeIsIdempotent(t *testing.T) {
	id := New("signal", "15555551234")
	reparsed := Parse(id.String())
	assert.True(t, reparsed.Equal(id), "re-parse not identity: %q vs %q", reparsed.String(), id.String())
}

func TestHexGroupLowercased(t *testing.T) {
	id := New("", "ABCDEF0123456789ABCDEF01")
	assert.Equal(t, "abcdef0123456789abcdef01", id.Bare())
	assert.True(t, id.IsGroup(), "expected hex id to be detected as group")
}

func TestEqualityIgnoresInputForm(t *testing.T) {
	a := New("", "5555551234")
	b := New("", "+15555551234")
	assert.True(t, a.Equal(b), "expected %q == %q", a.String(), b.String())
}

func TestBackendPrefixPreserved(t *testing.T) {
	id := New("signal", "5555551234")
	assert.Equal(t, "signal/+15555551234", id.String())
}

func TestBackgroundPairing(t *testing.T) {
	id := New("", "5555551234")
	bg := id.Background()
	assert.True(t, bg.IsBackground())
	assert.False(t, id.IsBackground())
}

func TestPlainIdentifierPassesThrough(t *testing.T) {
	id := New("", "not-a-phone-number")
	assert.Equal(t, "not-a-phone-number", id.Bare())
}
