package fileops

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kasbert/sd2iec/pkg/vfs"
)

func TestParsePlainName(t *testing.T) {
	spec := ParseFileName([]byte("TEST"))
	assert.Equal(t, "TEST", string(spec.Name))
	assert.False(t, spec.HasType)
	assert.EqualValues(t, 'R', spec.Mode)
}

func TestParseTypeAndMode(t *testing.T) {
	spec := ParseFileName([]byte("TEST,P,W"))
	assert.Equal(t, "TEST", string(spec.Name))
	assert.Equal(t, vfs.TypePrg, spec.Type)
	assert.True(t, spec.HasType)
	assert.EqualValues(t, 'W', spec.Mode)

	spec = ParseFileName([]byte("LOG,S,A"))
	assert.Equal(t, vfs.TypeSeq, spec.Type)
	assert.EqualValues(t, 'A', spec.Mode)
}

func TestParseDrivePrefixAndOverwrite(t *testing.T) {
	spec := ParseFileName([]byte("@0:SAVE,P,W"))
	assert.True(t, spec.Overwrite)
	assert.EqualValues(t, 0, spec.Drive)
	assert.Equal(t, "SAVE", string(spec.Name))
}

func TestParseRelative(t *testing.T) {
	spec := ParseFileName(append([]byte("DATA,L,"), 64))
	assert.Equal(t, vfs.TypeRel, spec.Type)
	assert.EqualValues(t, 64, spec.RecordLen)
}

func TestMatchWildcards(t *testing.T) {
	assert.True(t, Match([]byte("TEST"), []byte("TEST")))
	assert.False(t, Match([]byte("TEST"), []byte("TESTX")))
	assert.True(t, Match([]byte("TE*"), []byte("TESTX")))
	assert.True(t, Match([]byte("T?ST"), []byte("TEST")))
	assert.False(t, Match([]byte("T?ST"), []byte("TST")))
	assert.True(t, Match([]byte("*"), []byte("ANYTHING")))
	assert.False(t, Match([]byte("?"), []byte("")))
}
