// Package h264 provides a bitstream source for h.264 byte-stream
// (annex B) input that already carries access unit delimiters. It
// only cuts the stream at the pre-existing delimiters; it performs no
// further syntax parsing.
package h264

import (
	"context"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/pkg/errors"
	"github.com/xaionaro-go/vpudec"
)

const nalTypeAccessUnitDelimiter = 9

// AccessUnitSource hands out one access unit per NextUnit call. The
// returned unit's Data is a view into the source's buffer and stays
// valid until the next call.
type AccessUnitSource struct {
	data       []byte
	boundaries []int
	next       int
}

var _ vpudec.BitstreamSource = (*AccessUnitSource)(nil)

func NewAccessUnitSource(
	ctx context.Context,
	r io.Reader,
) (*AccessUnitSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read the input bitstream")
	}

	s := &AccessUnitSource{
		data:       data,
		boundaries: splitAtAccessUnitDelimiters(data),
	}
	logger.Debugf(ctx, "the input contains %d access units in %d bytes", len(s.boundaries), len(data))
	return s, nil
}

// splitAtAccessUnitDelimiters returns the start offset of every access
// unit: the stream is cut in front of each AUD NAL (start code
// included), and any data before the first AUD forms the first unit.
func splitAtAccessUnitDelimiters(data []byte) []int {
	var boundaries []int
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if data[i+3]&0x1f == nalTypeAccessUnitDelimiter {
			start := i
			if i > 0 && data[i-1] == 0 {
				start = i - 1
			}
			boundaries = append(boundaries, start)
		}
		i += 2
	}

	if len(data) == 0 {
		return nil
	}
	if len(boundaries) == 0 || boundaries[0] != 0 {
		boundaries = append([]int{0}, boundaries...)
	}
	return boundaries
}

func (s *AccessUnitSource) NextUnit(
	ctx context.Context,
) (*vpudec.EncodedUnit, error) {
	if s.next >= len(s.boundaries) {
		return nil, io.EOF
	}

	start := s.boundaries[s.next]
	end := len(s.data)
	if s.next+1 < len(s.boundaries) {
		end = s.boundaries[s.next+1]
	}
	s.next++

	// h.264 byte-stream needs no out-of-band codec data; the parameter
	// sets travel in-band.
	return &vpudec.EncodedUnit{
		Data: s.data[start:end],
	}, nil
}
