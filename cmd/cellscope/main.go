// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/cellscope/cellscope"

func main() {
	cellscope.Main()
}
