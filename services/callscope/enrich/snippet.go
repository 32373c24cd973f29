// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich turns raw caller records into human-readable, line-marked
// code snippets. Rendering is pure; fetching is deadline-bounded and
// degrades to a placeholder instead of failing.
package enrich

import (
	"fmt"
	"strings"
)

// TargetMarker prefixes the call-site line in a rendered snippet.
// Non-target lines are prefixed with three spaces so columns align.
const TargetMarker = ">>>"

// RenderSnippet renders a marked, line-numbered window around targetLine.
//
// # Description
//
// Splits content into lines and extracts the window
// [targetLine-1-radius, targetLine-1+radius], clamped to the file bounds.
// Each emitted line carries a 3-character marker (TargetMarker on the
// target line, spaces otherwise) and its right-justified original line
// number. Out-of-range target lines clamp; the function never panics and
// at worst returns an empty string for a window that falls entirely
// outside the file.
//
// # Inputs
//
//   - content: full file text.
//   - targetLine: 1-based line to mark.
//   - radius: context lines above and below the target.
//
// # Example
//
//	RenderSnippet("a\nb\nc", 2, 1)
//	// "    1: a\n>>> 2: b\n    3: c"
func RenderSnippet(content string, targetLine, radius int) string {
	lines := strings.Split(content, "\n")
	last := len(lines) - 1

	start := targetLine - 1 - radius
	if start < 0 {
		start = 0
	}
	end := targetLine - 1 + radius
	if end > last {
		end = last
	}
	if start > end {
		return ""
	}

	width := numberWidth(end + 1)

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "   "
		if i == targetLine-1 {
			marker = TargetMarker
		}
		fmt.Fprintf(&b, "%s %*d: %s", marker, width, i+1, lines[i])
		if i < end {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// numberWidth returns the digit count of n for right-justification.
func numberWidth(n int) int {
	width := 1
	for n >= 10 {
		n /= 10
		width++
	}
	return width
}
