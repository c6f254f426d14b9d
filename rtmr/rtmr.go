// Package rtmr replays TDX runtime measurement registers (RTMRs) from measurement digests.
//
// An RTMR starts out as 48 zero bytes and is extended by folding each digest into it:
//
//	RTMR := SHA384(RTMR || digest)
//
// Replaying an event log therefore reproduces the register values a TD reports in its quote.
package rtmr

import (
	"crypto/sha512"
	"errors"
	"fmt"
)

const (
	// Count is the number of runtime measurement registers of a TD.
	Count = 4
	// DigestSize is the size of an RTMR value and of every digest extended into it.
	DigestSize = sha512.Size384
)

var (
	// ErrInvalidDigestLength is returned if a digest is not exactly DigestSize bytes.
	ErrInvalidDigestLength = errors.New("invalid digest length")
	// ErrInvalidPartition is returned if a partition does not assign every digest to exactly one register.
	ErrInvalidPartition = errors.New("invalid partition")
)

// Digest is a SHA-384 digest.
type Digest [DigestSize]byte

// Registers holds the values of RTMR0 to RTMR3.
type Registers [Count]Digest

// Range is a half-open range [Start, End) of indices into a digest sequence.
type Range struct {
	Start, End int
}

// Len returns the number of digests in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Partition assigns contiguous ranges of a digest sequence to RTMR0 to RTMR3, in register order.
type Partition [Count]Range

// DstackPartition is the layout produced by a dstack guest:
// 17 boot time events for RTMR0, 5 for RTMR1, 2 for RTMR2, and 9 runtime events for RTMR3.
var DstackPartition = PartitionFromCounts([Count]int{17, 5, 2, 9})

// PartitionFromCounts creates a partition from the number of digests extended into each register.
func PartitionFromCounts(counts [Count]int) Partition {
	var p Partition
	start := 0
	for i, n := range counts {
		p[i] = Range{Start: start, End: start + n}
		start += n
	}
	return p
}

// Counts returns the number of digests assigned to each register.
func (p Partition) Counts() [Count]int {
	var counts [Count]int
	for i, r := range p {
		counts[i] = r.Len()
	}
	return counts
}

// Total returns the number of digests covered by the partition.
func (p Partition) Total() int {
	return p[Count-1].End
}

// Validate checks that the partition covers exactly total digests with contiguous, ascending ranges starting at 0.
func (p Partition) Validate(total int) error {
	next := 0
	for i, r := range p {
		if r.Start != next {
			return fmt.Errorf("%w: range of RTMR%d starts at %d, expected %d", ErrInvalidPartition, i, r.Start, next)
		}
		if r.End < r.Start {
			return fmt.Errorf("%w: range of RTMR%d ends at %d before it starts at %d", ErrInvalidPartition, i, r.End, r.Start)
		}
		next = r.End
	}
	if next != total {
		return fmt.Errorf("%w: partition covers %d digests, but %d were given", ErrInvalidPartition, next, total)
	}
	return nil
}

// Replay computes the four register values by extending each register, starting from zero,
// with the digests of its range in order.
func Replay(digests [][]byte, p Partition) (Registers, error) {
	if err := p.Validate(len(digests)); err != nil {
		return Registers{}, err
	}

	var registers Registers
	for i, r := range p {
		for j := r.Start; j < r.End; j++ {
			if len(digests[j]) != DigestSize {
				return Registers{}, fmt.Errorf("%w: digest %d has %d bytes, expected %d", ErrInvalidDigestLength, j, len(digests[j]), DigestSize)
			}
			registers[i] = Extend(registers[i], Digest(digests[j]))
		}
	}
	return registers, nil
}

// Extend returns SHA384(current || digest).
func Extend(current, digest Digest) Digest {
	h := sha512.New384()
	h.Write(current[:])
	h.Write(digest[:])
	return Digest(h.Sum(nil))
}

// MeasurementDigest returns the SHA-384 digest of data, as extended into an RTMR when measuring data.
func MeasurementDigest(data []byte) Digest {
	return sha512.Sum384(data)
}
