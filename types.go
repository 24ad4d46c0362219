package vpudec

import (
	"fmt"
)

// FrameContext correlates an encoded access unit with the decoded (or
// dropped) output it eventually produces; the engine reorders output
// relative to input, so positional correlation is not possible.
// FrameContextNone marks a submission that carries no context (drain
// submissions).
type FrameContext uint64

const FrameContextNone = FrameContext(0)

func (c FrameContext) String() string {
	if c == FrameContextNone {
		return "<none>"
	}
	return fmt.Sprintf("0x%x", uint64(c))
}

// EncodedUnit is one encoded access unit to submit to the engine.
// Data and CodecData are views into caller-owned memory and are valid
// only until the next Decode call. CodecData is the out-of-band codec
// configuration some containers carry; h.264 byte-stream input does
// not need it.
type EncodedUnit struct {
	Data      []byte
	CodecData []byte
	Context   FrameContext
}

// IsEmpty reports whether this is a drain-mode submission (no data,
// no codec data, no context).
func (u *EncodedUnit) IsEmpty() bool {
	return len(u.Data) == 0 && len(u.CodecData) == 0 && u.Context == FrameContextNone
}

// InitialInfo is what the engine reports once it has seen enough of
// the stream to describe it. Produced once per session, or once more
// per mid-stream resolution change. Read-only to the session.
type InitialInfo struct {
	FrameWidth                 uint `json:"frame_width"                   yaml:"frame_width"`
	FrameHeight                uint `json:"frame_height"                  yaml:"frame_height"`
	FrameRateNumerator         uint `json:"frame_rate_numerator"          yaml:"frame_rate_numerator"`
	FrameRateDenominator       uint `json:"frame_rate_denominator"        yaml:"frame_rate_denominator"`
	MinNumRequiredFramebuffers uint `json:"min_num_required_framebuffers" yaml:"min_num_required_framebuffers"`
	Interlacing                bool `json:"interlacing"                   yaml:"interlacing"`

	// WidthHeightRatio is the pixel aspect ratio in 16.16 fixed point.
	WidthHeightRatio uint `json:"width_height_ratio" yaml:"width_height_ratio"`

	FramebufferAlignment uint `json:"framebuffer_alignment" yaml:"framebuffer_alignment"`
}

// Geometry is the buffer layout computed from an InitialInfo: the
// aligned frame dimensions, the per-plane strides and sizes, and the
// total per-framebuffer byte count (which includes the engine's
// motion vector co-located scratch area).
type Geometry struct {
	AlignedFrameWidth  uint
	AlignedFrameHeight uint
	YStride            uint
	CbCrStride         uint
	YSize              uint
	CbCrSize           uint
	MvColSize          uint
	TotalSize          uint
}

// PictureByteCount is how many bytes of a framebuffer hold actual
// picture data (I420: one luma plane plus two chroma planes).
func (g *Geometry) PictureByteCount() uint {
	return g.YSize + 2*g.CbCrSize
}

// Framebuffer is one slot of the output buffer pool: a physically
// addressed allocation plus the plane layout the engine writes with.
// Tag is a pool-assigned slot identity for debugging; it is unrelated
// to FrameContext and has no bearing on decode correctness.
type Framebuffer struct {
	Buffer Buffer
	Tag    uint64

	YOffset     uint
	CbOffset    uint
	CrOffset    uint
	MvColOffset uint
	YStride     uint
	CbCrStride  uint
}

// NewFramebuffer lays the planes of the given geometry out in the
// given buffer: luma first, then the two chroma planes, then the
// motion vector area.
func NewFramebuffer(geometry *Geometry, buffer Buffer, tag uint64) *Framebuffer {
	return &Framebuffer{
		Buffer:      buffer,
		Tag:         tag,
		YOffset:     0,
		CbOffset:    geometry.YSize,
		CrOffset:    geometry.YSize + geometry.CbCrSize,
		MvColOffset: geometry.YSize + 2*geometry.CbCrSize,
		YStride:     geometry.YStride,
		CbCrStride:  geometry.CbCrStride,
	}
}

// Picture is the transient handle to one decoded picture: the pool
// slot the engine wrote it into, and the context of the encoded unit
// that produced it. The engine owns the slot's content until the
// consumer marks it displayed.
type Picture struct {
	Framebuffer *Framebuffer
	Context     FrameContext
}
