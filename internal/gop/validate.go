package gop

import (
	"fmt"

	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/picture"
)

// Validate checks a GOP given in decode order. Every reference must be
// coded earlier in the GOP or satisfy reconstructed. Self references,
// references to later pictures of the GOP, duplicate POCs and intra
// pictures with references are rejected with a KindMalformedGop error, as
// are luma planes too short for their geometry.
func Validate(pics []picture.Picture, maxLevels int, reconstructed func(poc int) bool) error {
	if len(pics) == 0 {
		return errors.NewMalformedGopError("empty GOP")
	}

	position := make(map[int]int, len(pics))
	for i, p := range pics {
		if _, dup := position[p.POC]; dup {
			return errors.NewMalformedGopError(fmt.Sprintf("duplicate POC %d", p.POC))
		}
		position[p.POC] = i
	}

	for i, p := range pics {
		if p.Level < 0 || p.Level >= maxLevels {
			return errors.NewMalformedGopError(
				fmt.Sprintf("POC %d has temporal level %d outside [0, %d)", p.POC, p.Level, maxLevels))
		}
		if err := p.CheckLuma(); err != nil {
			return errors.NewMalformedGopError(fmt.Sprintf("POC %d: %v", p.POC, err))
		}
		if p.Intra && len(p.Refs) > 0 {
			return errors.NewMalformedGopError(fmt.Sprintf("intra POC %d has references", p.POC))
		}
		for _, r := range p.Refs {
			if r == p.POC {
				return errors.NewMalformedGopError(fmt.Sprintf("POC %d references itself", p.POC))
			}
			if j, in := position[r]; in {
				if j > i {
					return errors.NewMalformedGopError(
						fmt.Sprintf("POC %d references POC %d which is later in decode order", p.POC, r))
				}
				continue
			}
			if reconstructed == nil || !reconstructed(r) {
				return errors.NewMalformedGopError(
					fmt.Sprintf("POC %d references POC %d which is neither in the GOP nor reconstructed", p.POC, r))
			}
		}
	}
	return nil
}
