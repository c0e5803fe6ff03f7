// Package pool recycles copy buffers between file copies.
//
// Buffers live in power-of-two buckets. A copy asks for a buffer sized to the file it
// copies, so a tree of small files does not pin one full-size buffer per worker.
package pool

import (
	"math/bits"
	"sync"
)

// BucketedBufferPool hands out byte slices whose length lies between a floor and a
// ceiling. Both bounds are rounded up to powers of two.
type BucketedBufferPool struct {
	minExp int
	maxExp int
	pools  []sync.Pool
}

// NewBucketedBufferPool returns a pool for buffers of minSize up to maxSize bytes.
// Non-positive bounds are raised to 1; a ceiling below the floor is raised to the floor.
func NewBucketedBufferPool(minSize, maxSize int64) *BucketedBufferPool {
	minExp := ceilExp(minSize)
	maxExp := max(ceilExp(maxSize), minExp)

	bp := &BucketedBufferPool{
		minExp: minExp,
		maxExp: maxExp,
		pools:  make([]sync.Pool, maxExp+1),
	}
	for i := minExp; i <= maxExp; i++ {
		size := 1 << i
		bp.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return bp
}

// MaxSize is the length of the largest buffer the pool returns.
func (bp *BucketedBufferPool) MaxSize() int64 { return int64(1) << bp.maxExp }

// MinSize is the length of the smallest buffer the pool returns.
func (bp *BucketedBufferPool) MinSize() int64 { return int64(1) << bp.minExp }

// Get returns a buffer for copying size bytes. Its length is size clamped to
// [MinSize, MaxSize], so the result is never empty.
func (bp *BucketedBufferPool) Get(size int64) *[]byte {
	size = min(max(size, bp.MinSize()), bp.MaxSize())
	idx := ceilExp(size)
	bufPtr := bp.pools[idx].Get().(*[]byte)
	*bufPtr = (*bufPtr)[:size]
	return bufPtr
}

// Put returns a buffer obtained from Get. Buffers of foreign capacity are dropped.
func (bp *BucketedBufferPool) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	c := int64(cap(*bufPtr))
	if !isPowerOfTwo(c) {
		return
	}
	idx := bits.TrailingZeros64(uint64(c))
	if idx < bp.minExp || idx > bp.maxExp {
		return
	}
	*bufPtr = (*bufPtr)[:c]
	bp.pools[idx].Put(bufPtr)
}

// ceilExp returns the exponent of the smallest power of two >= n.
func ceilExp(n int64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(uint64(n - 1))
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}
