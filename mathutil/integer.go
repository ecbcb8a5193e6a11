// Copyright 2024 The Erigon Authors
// (original work)
// Copyright 2026 The DNA Authors
// (modifications)
// This file is part of DNA.
//
// DNA is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// DNA is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

// Package mathutil holds the segment-boundary arithmetic; chainview's
// sealed-segment lookup calls SegmentStart.
package mathutil

import "fmt"

// SegmentStart returns the deterministic start block of the sealed segment
// that contains block number n, given the chain's starting block and the
// configured segment size (spec.md §4.4):
//
//	segment_start(n) = starting_block + ((n - starting_block) / size) * size
func SegmentStart(startingBlock, segmentSize, n uint64) uint64 {
	if segmentSize == 0 {
		panic("mathutil: SegmentStart called with segmentSize == 0")
	}
	if n < startingBlock {
		panic(fmt.Sprintf("mathutil: SegmentStart(%d) below starting block %d", n, startingBlock))
	}
	offset := n - startingBlock
	return startingBlock + (offset/segmentSize)*segmentSize
}

// SegmentGroupStart returns the deterministic start block of the segment
// group (spec.md §4.7, §GLOSSARY "Segment group") containing block number n,
// given groupSegments, the group size expressed in number of segments.
func SegmentGroupStart(startingBlock, segmentSize, groupSegments, n uint64) uint64 {
	segStart := SegmentStart(startingBlock, segmentSize, n)
	segIndex := (segStart - startingBlock) / segmentSize
	groupIndex := segIndex / groupSegments
	return startingBlock + groupIndex*groupSegments*segmentSize
}
