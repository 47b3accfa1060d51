package lib

import "math"

// Sequence number arithmetic. All comparisons are performed modulo 2^32;
// plain integer comparison is never correct once the counters wrap.

func SeqIncrement(seq uint32) uint32 {
	return uint32(uint64(seq) + 1) // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

func SeqDecrement(seq uint32) uint32 {
	return seq - 1 // uint32 subtraction wraps on its own
}

// SeqDelta returns how far ahead seq1 is of seq2 on the 32-bit circle.
// The caller is expected to know that seq1 is not behind seq2.
func SeqDelta(seq1, seq2 uint32) uint32 {
	return seq1 - seq2
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint32 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	// Check if the first sequence number is "greater"
	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return !isGreater(seq1, seq2)
}

// seqInRange reports whether seq lies in [start, end) on the 32-bit circle.
func seqInRange(seq, start, end uint32) bool {
	if start == end {
		return false
	}
	return SeqDelta(seq, start) < SeqDelta(end, start)
}
