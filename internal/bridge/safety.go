package bridge

import (
	"errors"
	"fmt"
)

const (
	// MaxChannels is the hard cap; bypass_safety does not lift it.
	MaxChannels = 16
	// SafeChannels is how many channels pass without bypass_safety.
	SafeChannels = 4
)

// ErrChannelLimit marks a request over MaxChannels.
var ErrChannelLimit = errors.New("channel limit exceeded")

// ApplySafety returns the channels to forward and whether they were clamped.
// The result never aliases the input.
func ApplySafety(channels []int, bypass bool) ([]int, bool, error) {
	if len(channels) > MaxChannels {
		return nil, false, fmt.Errorf("%w: %d channels, max %d", ErrChannelLimit, len(channels), MaxChannels)
	}
	if len(channels) > SafeChannels && !bypass {
		return append([]int(nil), channels[:SafeChannels]...), true, nil
	}
	out := make([]int, len(channels))
	copy(out, channels)
	return out, false, nil
}
