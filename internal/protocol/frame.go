package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	magic0  byte = 0x53 // 'S'
	magic1  byte = 0x50 // 'P'
	version byte = 0x01

	// headerLen is magic(2) + version(1) + kind(1) + stream id(8) + length(4).
	headerLen = 16

	// DefaultMaxFramePayload is the default cap on a single frame's payload,
	// per spec.md §4.1 ("on the order of 64 KiB"). Larger logical payloads
	// are split across successive DATA_* frames of the same stream.
	DefaultMaxFramePayload = 64 << 10
)

func encodeFrameTo(w io.Writer, kind Kind, streamID uint64, payload []byte) error {
	var hdr [headerLen]byte
	hdr[0] = magic0
	hdr[1] = magic1
	hdr[2] = version
	hdr[3] = byte(kind)
	binary.BigEndian.PutUint64(hdr[4:12], streamID)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func decodeFrameFrom(r io.Reader, maxPayload int) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	if hdr[0] != magic0 || hdr[1] != magic1 {
		return Frame{}, errors.Join(ErrProtocol, ErrBadMagic)
	}
	if hdr[2] != version {
		return Frame{}, errors.Join(ErrProtocol, ErrBadVersion)
	}

	kind := Kind(hdr[3])
	if !isKnownKind(kind) {
		return Frame{}, errors.Join(ErrProtocol, ErrUnknownKind)
	}

	streamID := binary.BigEndian.Uint64(hdr[4:12])
	payloadLen := binary.BigEndian.Uint32(hdr[12:16])
	if payloadLen > uint32(maxPayload) {
		return Frame{}, errors.Join(ErrProtocol, ErrFrameTooLarge)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{StreamID: streamID, Kind: kind, Payload: payload}, nil
}
