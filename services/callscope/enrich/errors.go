// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import "errors"

var (
	// ErrFileNotFound indicates the host returned 404 for the requested
	// path at the requested ref.
	ErrFileNotFound = errors.New("file not found on source host")

	// ErrHostUnavailable indicates a transport failure or non-2xx,
	// non-404 response from the source host.
	ErrHostUnavailable = errors.New("source host unavailable")
)
