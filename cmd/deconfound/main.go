// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/exprkit/deconfound"

func main() {
	deconfound.Main()
}
