/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sourcemap

import (
	"errors"
	"fmt"
)

const (
	vlqBaseShift       = 5
	vlqBase            = 1 << vlqBaseShift
	vlqBaseMask        = vlqBase - 1
	vlqContinuationBit = vlqBase
	base64Alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
)

var (
	errVLQTruncated = errors.New("truncated base64 VLQ value")
	errVLQOverflow  = errors.New("base64 VLQ value out of range")

	base64Values = func() [256]int8 {
		var table [256]int8
		for i := range table {
			table[i] = -1
		}
		for i := 0; i < len(base64Alphabet); i++ {
			table[base64Alphabet[i]] = int8(i)
		}
		return table
	}()
)

// decodeVLQ decodes one base64 VLQ value from the start of s and returns it with the number of bytes used.
func decodeVLQ(s string) (int, int, error) {
	var result, shift int

	for i := 0; i < len(s); i++ {
		digit := base64Values[s[i]]
		if digit < 0 {
			return 0, 0, fmt.Errorf("invalid base64 VLQ character '%c'", s[i])
		}
		if shift > 30 {
			return 0, 0, errVLQOverflow
		}

		result += int(digit&vlqBaseMask) << shift
		if int(digit)&vlqContinuationBit == 0 {
			// The lowest bit carries the sign.
			value := result >> 1
			if result&1 == 1 {
				value = -value
			}
			return value, i + 1, nil
		}
		shift += vlqBaseShift
	}

	return 0, 0, errVLQTruncated
}

// segment is one decoded mappings entry: 1, 4 or 5 fields, each relative to the previous segment.
type segment struct {
	fields [5]int
	count  int
}

// decodeSegment decodes a comma-free segment of the mappings string.
func decodeSegment(s string) (segment, error) {
	var seg segment
	for len(s) > 0 {
		if seg.count == len(seg.fields) {
			return seg, errors.New("mapping segment has more than 5 fields")
		}
		value, n, err := decodeVLQ(s)
		if err != nil {
			return seg, err
		}
		seg.fields[seg.count] = value
		seg.count++
		s = s[n:]
	}

	switch seg.count {
	case 1, 4, 5:
		return seg, nil
	default:
		return seg, fmt.Errorf("mapping segment has %d fields", seg.count)
	}
}
