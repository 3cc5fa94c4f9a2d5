package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLoadBundleRoundTrip(t *testing.T) {
	vars := []VarDef{{Name: "site.host", Type: VarString, Export: true}}
	prog := []Instruction{
		{Op: OpPushStr, Arg: 0},
		{Op: OpStore, Arg: 0},
		{Op: OpHalt},
	}
	keys := []KeyEntry{{Name: "site.host", Var: 0}}

	data := EncodeBundle(vars, prog, keys)
	b, err := LoadBundle(data, 1)
	require.NoError(t, err)
	assert.Equal(t, vars, b.Vars)
	assert.Equal(t, prog, b.Program)
	assert.Equal(t, keys, b.Keys)
	assert.EqualValues(t, 1, b.Generation)
}

func TestLoadBundleRejectsBadMagic(t *testing.T) {
	_, err := LoadBundle([]byte("nope"), 1)
	assert.Error(t, err)
}

func TestLoadBundleRejectsIncompatibleVersion(t *testing.T) {
	data := EncodeBundle(nil, nil, nil)
	data[3] = 9 // major
	_, err := LoadBundle(data, 1)
	assert.Error(t, err)
}

func TestBundleRefcounting(t *testing.T) {
	b := &Bundle{}
	b.Get()
	b.Get()
	assert.Equal(t, 2, b.Refs())
	b.Put()
	assert.Equal(t, 1, b.Refs())
}
