package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	pion "github.com/pion/webrtc/v4"

	"github.com/peerlearn/callcore/internal/domain"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// WriteAnnexB reads an H264 remote track until it ends and writes its NAL
// units to w as an Annex-B byte stream.
func WriteAnnexB(track domain.RemoteTrack, w io.Writer) error {
	if !strings.EqualFold(track.MimeType(), pion.MimeTypeH264) {
		return fmt.Errorf("track %s: cannot dump %s as annex-b", track.ID(), track.MimeType())
	}

	depack := NewH264Depacketizer()
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if _, err := w.Write(annexBStartCode); err != nil {
				return fmt.Errorf("write start code: %w", err)
			}
			if _, err := w.Write(nalu); err != nil {
				return fmt.Errorf("write nalu: %w", err)
			}
		}
	}
}

// Drain discards packets from track until it ends. Unread tracks stall the
// receiver's buffers.
func Drain(track domain.RemoteTrack) {
	for {
		if _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
