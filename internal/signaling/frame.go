package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type FrameType string

const (
	FrameOffer        FrameType = "offer"
	FrameAnswer       FrameType = "answer"
	FrameICECandidate FrameType = "ice-candidate"
	FrameEndCall      FrameType = "end-call"
)

var (
	ErrMalformedFrame   = errors.New("malformed signaling frame")
	ErrBusy             = errors.New("call already in progress")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrEngineClosed     = errors.New("signaling engine closed")
	ErrInvalidState     = errors.New("invalid call state")
)

// Frame is one addressed signaling message. Every frame names its sender and
// recipient; receivers drop frames not addressed to them, since the
// conversation channel is shared by all participants.
type Frame struct {
	Type        FrameType           `json:"type"`
	From        string              `json:"from"`
	To          string              `json:"to,omitempty"`
	SDP         *SessionDescription `json:"sdp,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	TimestampMs int64               `json:"timestamp"`
}

func (f Frame) Validate() error {
	if f.From == "" {
		return fmt.Errorf("%w: missing from", ErrMalformedFrame)
	}
	switch f.Type {
	case FrameOffer, FrameAnswer:
		if f.SDP == nil || f.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedFrame, f.Type)
		}
	case FrameICECandidate:
		if f.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedFrame)
		}
	case FrameEndCall:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
