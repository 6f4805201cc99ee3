package topology

import (
	"fmt"
	"hash/crc32"
)

// VBucketMap assigns every vbucket to an ordered list of servers. The first
// entry of a row is the master; the rest are replicas. -1 marks a vbucket
// with no owner.
type VBucketMap struct {
	Revision int64    `json:"rev"`
	Servers  []string `json:"servers"`
	VBuckets [][]int  `json:"vbuckets"`
}

// NewVBucketMap spreads numVBuckets masters round robin over servers.
func NewVBucketMap(servers []string, numVBuckets int) *VBucketMap {
	m := &VBucketMap{
		Servers:  append([]string(nil), servers...),
		VBuckets: make([][]int, numVBuckets),
	}
	for vb := range m.VBuckets {
		if len(servers) == 0 {
			m.VBuckets[vb] = []int{-1}
			continue
		}
		m.VBuckets[vb] = []int{vb % len(servers)}
	}
	return m
}

// hashKey is the vbucket hash used by Couchbase clients: the upper half of
// the CRC32 of the key, masked to 15 bits.
func hashKey(key []byte) uint32 {
	return (crc32.ChecksumIEEE(key) >> 16) & 0x7fff
}

// VBucketFor returns the vbucket a key hashes to.
func (m *VBucketMap) VBucketFor(key []byte) int {
	if m == nil || len(m.VBuckets) == 0 {
		return -1
	}
	return int(hashKey(key) % uint32(len(m.VBuckets)))
}

// Master returns the index of the server owning vb.
func (m *VBucketMap) Master(vb int) (int, bool) {
	if m == nil || vb < 0 || vb >= len(m.VBuckets) || len(m.VBuckets[vb]) == 0 {
		return -1, false
	}
	srv := m.VBuckets[vb][0]
	if srv < 0 || srv >= len(m.Servers) {
		return -1, false
	}
	return srv, true
}

// ServerFor resolves a key to its master server.
func (m *VBucketMap) ServerFor(key []byte) (int, bool) {
	return m.Master(m.VBucketFor(key))
}

// Clone returns a deep copy with the revision bumped.
func (m *VBucketMap) Clone() *VBucketMap {
	c := &VBucketMap{
		Revision: m.Revision + 1,
		Servers:  append([]string(nil), m.Servers...),
		VBuckets: make([][]int, len(m.VBuckets)),
	}
	for i, row := range m.VBuckets {
		c.VBuckets[i] = append([]int(nil), row...)
	}
	return c
}

func (m *VBucketMap) Validate() error {
	if len(m.VBuckets) == 0 {
		return fmt.Errorf("vbucket map has no vbuckets")
	}
	for vb, row := range m.VBuckets {
		for _, srv := range row {
			if srv >= len(m.Servers) {
				return fmt.Errorf("vbucket %d: server index %d out of range", vb, srv)
			}
		}
	}
	return nil
}
