// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !unix

package turnalloc

import "syscall"

func reuseAddrControl(string, string, syscall.RawConn) error {
	return nil
}
