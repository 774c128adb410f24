// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	hapassoc "github.com/hapassoc/hapassoc"
)

func main() {
	hapassoc.Main()
}
