package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(10, 1000)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		assert.True(t, f.MayContain(k))
	}
}

func TestFilterLowFalsePositiveRate(t *testing.T) {
	f := New(10, 1000)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
}

func TestFilterRoundTripViaBitmap(t *testing.T) {
	f := New(10, 100)
	f.Add([]byte("a"))
	f.Add([]byte("b"))
	rebuilt := FromBitmap(f.BitsPerKey(), f.NumKeys(), f.Bitmap())
	assert.True(t, rebuilt.MayContain([]byte("a")))
	assert.True(t, rebuilt.MayContain([]byte("b")))
}

func TestEmptyFilterMayContainIsConservative(t *testing.T) {
	var f *Filter
	assert.True(t, f.MayContain([]byte("anything")))
}
