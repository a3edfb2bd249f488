package model

import "strconv"

// Handle addresses an exported object within one channel. Zero is never
// allocated.
type Handle int32

const NoHandle Handle = 0

func (h Handle) String() string {
	return "#" + strconv.Itoa(int(h))
}
