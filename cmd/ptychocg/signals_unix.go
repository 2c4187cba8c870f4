// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package main

import (
	"os"
	"syscall"
)

// interrupts cancel a running reconstruction. The session is released
// before the command exits.
var interrupts = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGTSTP}
