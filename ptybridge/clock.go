// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import "time"

// Clock supplies the current time to the flusher and idle tracking.
// Tests inject a manually advanced clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
