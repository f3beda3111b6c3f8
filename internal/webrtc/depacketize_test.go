package webrtc

import (
	"bytes"
	"testing"
)

// fu builds an FU-A fragment of an IDR slice with NRI=3.
func fu(start, end bool, data ...byte) []byte {
	hdr := byte(0x05)
	if start {
		hdr |= 0x80
	}
	if end {
		hdr |= 0x40
	}
	return append([]byte{0x7c, hdr}, data...)
}

// stapA aggregates nalus behind a STAP-A indicator with 16-bit size prefixes.
func stapA(nalus ...[]byte) []byte {
	out := []byte{0x18}
	for _, n := range nalus {
		out = append(out, byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

type rtpIn struct {
	seq     uint16
	payload []byte
}

func TestDepacketize(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce}
	idr := []byte{0x65, 0x88, 0x84}

	tests := []struct {
		name string
		in   []rtpIn
		want [][]byte
	}{
		{
			name: "single nal unit passes through",
			in:   []rtpIn{{1, idr}},
			want: [][]byte{idr},
		},
		{
			name: "stap-a splits parameter sets",
			in:   []rtpIn{{1, stapA(sps, pps)}},
			want: [][]byte{sps, pps},
		},
		{
			name: "stap-a stops at a zero size",
			in:   []rtpIn{{1, append(stapA(sps), 0x00, 0x00, 0x68)}},
			want: [][]byte{sps},
		},
		{
			name: "stap-a stops at a truncated unit",
			in:   []rtpIn{{1, append(stapA(pps), 0x00, 0x09, 0x65)}},
			want: [][]byte{pps},
		},
		{
			name: "fu-a reassembles across three packets",
			in: []rtpIn{
				{7, fu(true, false, 0x01, 0x02)},
				{8, fu(false, false, 0x03)},
				{9, fu(false, true, 0x04)},
			},
			want: [][]byte{{0x65, 0x01, 0x02, 0x03, 0x04}},
		},
		{
			name: "fu-a survives sequence wraparound",
			in: []rtpIn{
				{65535, fu(true, false, 0xaa)},
				{0, fu(false, true, 0xbb)},
			},
			want: [][]byte{{0x65, 0xaa, 0xbb}},
		},
		{
			name: "fu-a chain with a lost packet is dropped",
			in: []rtpIn{
				{20, fu(true, false, 0x01)},
				{22, fu(false, false, 0x02)},
				{23, fu(false, true, 0x03)},
			},
		},
		{
			name: "continuation without a start is ignored",
			in:   []rtpIn{{5, fu(false, true, 0x09)}},
		},
		{
			name: "new start discards a partial unit",
			in: []rtpIn{
				{1, fu(true, false, 0x01)},
				{2, fu(true, false, 0x02)},
				{3, fu(false, true, 0x03)},
			},
			want: [][]byte{{0x65, 0x02, 0x03}},
		},
		{
			name: "single nal unit interrupts a chain",
			in: []rtpIn{
				{1, fu(true, false, 0x01)},
				{2, idr},
				{3, fu(false, true, 0x03)},
			},
			want: [][]byte{idr},
		},
		{
			name: "unsupported and empty payloads yield nothing",
			in: []rtpIn{
				{1, nil},
				{2, []byte{0x19, 0x00}},
				{3, []byte{0x7c}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewH264Depacketizer()
			var got [][]byte
			for _, p := range tt.in {
				got = append(got, d.Depacketize(p.seq, p.payload)...)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d NAL units, got %d: %x", len(tt.want), len(got), got)
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("unit %d: expected %x, got %x", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestDepacketize_StatePerInstance(t *testing.T) {
	a, b := NewH264Depacketizer(), NewH264Depacketizer()

	a.Depacketize(40, fu(true, false, 0x01))
	if got := b.Depacketize(41, fu(false, true, 0x02)); got != nil {
		t.Fatalf("expected no unit from an instance without a start, got %x", got)
	}
	if got := a.Depacketize(41, fu(false, true, 0x02)); len(got) != 1 {
		t.Fatalf("expected the first instance to complete its unit, got %d", len(got))
	}
}
