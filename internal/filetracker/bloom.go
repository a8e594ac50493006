// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package filetracker

import (
	"hash/fnv"
	"sync"
)

// bloomFilter is a probabilistic set-membership structure used as a fast
// negative pre-check ahead of the authoritative State Backend lookup, once
// a run's expected file count crosses BloomThreshold. No false negatives:
// Test() == false means the key was definitely never Add()ed.
type bloomFilter struct {
	mu      sync.RWMutex
	bits    []uint64
	size    uint64
	hashFns int
	count   int
}

// newBloomFilter sizes the bit array for expectedItems at falsePositiveRate,
// via the standard m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2) formulas.
func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.001
	}

	const ln2Squared = 0.693147 * 0.693147
	lnP := approximateLn(falsePositiveRate)

	m := int(-float64(expectedItems) * lnP / ln2Squared)
	if m < 64 {
		m = 64
	}
	k := int(float64(m) / float64(expectedItems) * 0.693147)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	words := (m + 63) / 64

	return &bloomFilter{
		bits:    make([]uint64, words),
		size:    uint64(words * 64),
		hashFns: k,
	}
}

func (bf *bloomFilter) Add(key string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, h := range bf.hashes(key) {
		idx := h % bf.size
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
	bf.count++
}

// Test reports whether key might be present. false is authoritative.
func (bf *bloomFilter) Test(key string) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for _, h := range bf.hashes(key) {
		idx := h % bf.size
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) hashes(key string) []uint64 {
	h1 := fnv.New64a()
	h1.Write([]byte(key))
	hash1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write([]byte(key))
	h2.Write([]byte{0xff})
	hash2 := h2.Sum64()

	out := make([]uint64, bf.hashFns)
	for i := 0; i < bf.hashFns; i++ {
		out[i] = hash1 + uint64(i)*hash2
	}
	return out
}

// approximateLn looks up ln(x) for the handful of false-positive rates this
// package actually uses; avoids pulling in math.Log for one call site.
func approximateLn(x float64) float64 {
	switch {
	case x >= 0.1:
		return -2.303
	case x >= 0.05:
		return -2.996
	case x >= 0.01:
		return -4.605
	case x >= 0.005:
		return -5.298
	case x >= 0.001:
		return -6.908
	default:
		return -9.210
	}
}
