// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import "errors"

var (
	// ErrClosed is returned when operations are called after Close.
	ErrClosed = errors.New("lineage service is closed")

	// ErrRateLimited is returned when ingest admission is throttled.
	ErrRateLimited = errors.New("ingest rate limit exceeded")

	// ErrRejected is returned when an integrity policy rejects an event.
	// The wrapped message carries the policy's reason.
	ErrRejected = errors.New("event rejected by policy")
)
