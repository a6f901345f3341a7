package types

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncodeDecodeRoundTrip(t *testing.T) {
	keys := []Key{
		{PK: []byte("user#alice")},
		{PK: []byte("user#alice"), SK: []byte("post#001")},
		{PK: []byte("x"), SK: []byte{}},
		{PK: bytes.Repeat([]byte{0xff}, 2048)},
	}
	for _, k := range keys {
		enc := Encode(k)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, k.PK, dec.PK)
		assert.Equal(t, k.HasSK(), dec.HasSK())
		if k.HasSK() {
			assert.Equal(t, k.SK, dec.SK)
		}
	}
}

func TestKeyDecodeCorruption(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	require.Error(t, err)
	require.True(t, IsCorruption(err))
}

func TestPKOnlySortsBeforeComposite(t *testing.T) {
	pkOnly := Encode(Key{PK: []byte("user#alice")})
	composite := Encode(Key{PK: []byte("user#alice"), SK: []byte("a")})
	assert.Less(t, CompareEncoded(pkOnly, composite), 0)
}

func TestSortKeyOrderingWithinPartition(t *testing.T) {
	pk := []byte("user#alice")
	a := Encode(Key{PK: pk, SK: []byte("post#001")})
	b := Encode(Key{PK: pk, SK: []byte("post#002")})
	assert.Less(t, CompareEncoded(a, b), 0)
}

func TestStripeOfDeterministic(t *testing.T) {
	pk := []byte("user#alice")
	s1 := StripeOf(pk)
	s2 := StripeOf(pk)
	assert.Equal(t, s1, s2)
	assert.Less(t, int(s1), NumStripes)
}

func TestRecordEncodeDecodeRoundTripPut(t *testing.T) {
	rec := Record{
		Key:   Key{PK: []byte("pk"), SK: []byte("sk")},
		Kind:  Put,
		Seqno: 42,
		Value: Item{
			"name": S("Alice"),
			"age":  N("30"),
			"tags": L(S("a"), S("b")),
			"meta": M(map[string]Value{"active": Bool(true)}),
			"vec":  VecF32(1.5, 2.5, -3.25),
			"ts":   Ts(1234567890),
			"blob": B([]byte{1, 2, 3}),
			"nil":  Null(),
		},
	}
	enc := EncodeRecord(rec)
	dec, err := DecodeRecord(enc)
	require.NoError(t, err)
	assert.Equal(t, rec.Key.PK, dec.Key.PK)
	assert.Equal(t, rec.Key.SK, dec.Key.SK)
	assert.Equal(t, rec.Kind, dec.Kind)
	assert.Equal(t, rec.Seqno, dec.Seqno)
	for name, v := range rec.Value {
		assert.True(t, v.Equal(dec.Value[name]), "attr %s mismatch", name)
	}
}

func TestRecordEncodeDecodeRoundTripDelete(t *testing.T) {
	rec := Record{Key: Key{PK: []byte("pk")}, Kind: Delete, Seqno: 7}
	enc := EncodeRecord(rec)
	dec, err := DecodeRecord(enc)
	require.NoError(t, err)
	assert.Equal(t, Delete, dec.Kind)
	assert.Nil(t, dec.Value)
}

func TestValueNestingDepthEnforced(t *testing.T) {
	v := S("leaf")
	for i := 0; i < MaxNestingDepth+2; i++ {
		v = L(v)
	}
	err := ValidateDepth(v)
	require.Error(t, err)
}

func TestKeyValidateBounds(t *testing.T) {
	require.Error(t, Key{}.Validate())
	require.Error(t, Key{PK: bytes.Repeat([]byte{1}, MaxPKLen+1)}.Validate())
	require.Error(t, Key{PK: []byte("x"), SK: bytes.Repeat([]byte{1}, MaxSKLen+1)}.Validate())
	require.NoError(t, Key{PK: []byte("x")}.Validate())
}

func TestKeyValidateRejectsReservedPrefix(t *testing.T) {
	require.Error(t, Key{PK: []byte{ReservedKeyPrefix, 'x'}}.Validate())
	require.Error(t, Key{PK: []byte("x"), SK: []byte{ReservedKeyPrefix}}.Validate())
	require.NoError(t, Key{PK: []byte("x"), SK: []byte("y")}.Validate())
}
