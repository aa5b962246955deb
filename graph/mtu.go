package graph

import (
	"fmt"
	"strconv"
)

// mtuSearchLow and mtuSearchHigh bound the binary search performed when
// the operator asks for "max": no vhost/tap backend accepts anything
// outside this range, so the search always converges inside it.
const (
	mtuSearchLow  = 1400
	mtuSearchHigh = 65536
)

// negotiateMTU picks the MTU to install via setMTU. When requested is "max" it
// binary-searches [1400, 65536] for the largest value setMTU accepts;
// otherwise it parses requested as a positive integer and returns it
// directly.
func negotiateMTU(requested string, setMTU func(mtu int) error) (int, error) {
	if requested == "max" {
		low, high := mtuSearchLow, mtuSearchHigh
		for high-low > 1 {
			mid := low + (high-low)/2
			if setMTU(mid) == nil {
				low = mid
			} else {
				high = mid
			}
		}
		if err := setMTU(low); err != nil {
			return 0, fmt.Errorf("negotiate mtu: final probe at %d failed: %w", low, err)
		}
		return low, nil
	}

	mtu, err := strconv.Atoi(requested)
	if err != nil || mtu <= 0 {
		return 0, fmt.Errorf("negotiate mtu: invalid mtu %q", requested)
	}
	if err := setMTU(mtu); err != nil {
		return 0, fmt.Errorf("negotiate mtu: set_mtu(%d): %w", mtu, err)
	}
	return mtu, nil
}
