// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package gromox

// sanity check the protocol constants
func init() {
	if StreamBlockSize < dcerpcHeaderSize {
		panic("StreamBlockSize < dcerpcHeaderSize")
	}
	if StreamBlockSize < 0xffff {
		panic("StreamBlockSize cannot hold a maximum fragment")
	}
	if MaxRecyclingRemaining >= OutChannelMaxLength {
		panic("MaxRecyclingRemaining >= OutChannelMaxLength")
	}
	if DCERPCFragLenOffset <= DCERPCDREPOffset {
		panic("DCERPCFragLenOffset <= DCERPCDREPOffset")
	}
	if URILimit < 1024 {
		panic("URILimit < 1024")
	}
}
