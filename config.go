package vpudec

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

type CodecFormat uint

const (
	CodecFormatUndefined = CodecFormat(iota)
	CodecFormatH264
	CodecFormatH265
	CodecFormatMPEG2
	CodecFormatMPEG4
	CodecFormatVP8
	CodecFormatMJPEG
	EndOfCodecFormat
)

func (cf *CodecFormat) String() string {
	if cf == nil {
		return "null"
	}

	switch *cf {
	case CodecFormatUndefined:
		return "<undefined>"
	case CodecFormatH264:
		return "h264"
	case CodecFormatH265:
		return "h265"
	case CodecFormatMPEG2:
		return "mpeg2"
	case CodecFormatMPEG4:
		return "mpeg4"
	case CodecFormatVP8:
		return "vp8"
	case CodecFormatMJPEG:
		return "mjpeg"
	}
	return fmt.Sprintf("unexpected_codec_format_id_%d", uint(*cf))
}

func (cf CodecFormat) MarshalJSON() ([]byte, error) {
	return []byte(`"` + cf.String() + `"`), nil
}

func (cf *CodecFormat) UnmarshalJSON(b []byte) error {
	if cf == nil {
		return fmt.Errorf("CodecFormat is nil")
	}
	return cf.parse(strings.Trim(string(b), `"`))
}

func (cf CodecFormat) MarshalYAML() (any, error) {
	return cf.String(), nil
}

func (cf *CodecFormat) UnmarshalYAML(unmarshal func(any) error) error {
	if cf == nil {
		return fmt.Errorf("CodecFormat is nil")
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("unable to decode a CodecFormat value: %w", err)
	}
	return cf.parse(s)
}

func (cf *CodecFormat) parse(s string) error {
	s = strings.ToLower(s)
	for cmp := CodecFormatUndefined; cmp < EndOfCodecFormat; cmp++ {
		if cmp.String() == s {
			*cf = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the CodecFormat: '%s'", s)
}

// OpenParams is what an EngineLoader needs to open one decoder
// instance. Zero FrameWidth/FrameHeight means "take the dimensions
// from the stream".
type OpenParams struct {
	CodecFormat           CodecFormat `json:"codec_format,omitempty"            yaml:"codec_format,omitempty"`
	FrameWidth            uint        `json:"frame_width,omitempty"             yaml:"frame_width,omitempty"`
	FrameHeight           uint        `json:"frame_height,omitempty"            yaml:"frame_height,omitempty"`
	EnableFrameReordering bool        `json:"enable_frame_reordering,omitempty" yaml:"enable_frame_reordering,omitempty"`
}

// SessionConfig configures one decode session.
//
// ExtraFramebuffers is the safety margin added on top of the engine's
// own minimum framebuffer requirement; the default of zero allocates
// exactly what the engine demands.
type SessionConfig struct {
	Open              OpenParams `json:"open"                         yaml:"open"`
	ExtraFramebuffers uint       `json:"extra_framebuffers,omitempty" yaml:"extra_framebuffers,omitempty"`
}

func ParseSessionConfig(b []byte) (*SessionConfig, error) {
	cfg := &SessionConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal the session config: %w", err)
	}
	return cfg, nil
}

func ReadSessionConfigFromPath(path string) (*SessionConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file '%s': %w", path, err)
	}
	return ParseSessionConfig(b)
}
