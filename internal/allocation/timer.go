// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

// Timer is a handle to an armed timer registered with the scheduler.
// *clock.Timer from github.com/benbjohnson/clock satisfies it.
type Timer interface {
	Stop() bool
}

// stopTimer removes a timer if present. It is safe on nil, fired and stopped handles.
func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
