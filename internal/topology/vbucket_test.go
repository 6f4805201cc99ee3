package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVBucketFor(t *testing.T) {
	m := NewVBucketMap([]string{"a:11210", "b:11210"}, 1024)

	tests := []struct {
		key  string
		want int
	}{
		{"hello", 528},
		{"foo", 115},
		{"user::1001", 300},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, m.VBucketFor([]byte(tt.key)))
		})
	}
}

func TestServerFor(t *testing.T) {
	m := NewVBucketMap([]string{"a", "b", "c"}, 64)

	srv, ok := m.ServerFor([]byte("hello"))
	require.True(t, ok)
	assert.Equal(t, 16%3, srv)

	m.VBuckets[16] = []int{-1}
	_, ok = m.ServerFor([]byte("hello"))
	assert.False(t, ok)
}

func TestMaster_OutOfRange(t *testing.T) {
	m := NewVBucketMap([]string{"a"}, 4)

	_, ok := m.Master(-1)
	assert.False(t, ok)
	_, ok = m.Master(4)
	assert.False(t, ok)

	var nilMap *VBucketMap
	_, ok = nilMap.ServerFor([]byte("k"))
	assert.False(t, ok)
}

func TestNewVBucketMap_NoServers(t *testing.T) {
	m := NewVBucketMap(nil, 8)
	for vb := range m.VBuckets {
		_, ok := m.Master(vb)
		assert.False(t, ok)
	}
}

func TestClone(t *testing.T) {
	m := NewVBucketMap([]string{"a", "b"}, 4)
	c := m.Clone()
	c.VBuckets[0][0] = 1
	c.Servers[0] = "z"

	assert.Equal(t, m.Revision+1, c.Revision)
	assert.Equal(t, 0, m.VBuckets[0][0])
	assert.Equal(t, "a", m.Servers[0])
}

func TestValidate(t *testing.T) {
	m := NewVBucketMap([]string{"a"}, 2)
	require.NoError(t, m.Validate())

	m.VBuckets[1] = []int{3}
	assert.Error(t, m.Validate())
	assert.Error(t, (&VBucketMap{}).Validate())
}
