// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package callscope

import "errors"

// Sentinel errors for the CallScope service. These are the only errors
// FindUsageExamples returns; every downstream failure is absorbed into
// a response state instead.
var (
	// ErrBlankIdentity indicates owner or repo was empty after trimming.
	ErrBlankIdentity = errors.New("owner and repo must be non-empty")

	// ErrBlankFunction indicates the searched function name was empty after trimming.
	ErrBlankFunction = errors.New("function name must be non-empty")
)
