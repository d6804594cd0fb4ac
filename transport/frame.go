package transport

import (
	"encoding/binary"
	"errors"
)

// frameKind identifies a transport frame. Payload frames wrap session packets.
type frameKind byte

const (
	frameConnect frameKind = iota + 1
	frameAccept
	frameDisconnect
	frameReliable
	frameAck
	frameUnreliable
	frameHeartbeat
)

const (
	frameHeaderSize  = 1
	tokenSize        = 4
	sequenceSize     = 2
	dataHeaderSize   = frameHeaderSize + sequenceSize
	maxFrameOverhead = dataHeaderSize
)

var errMalformedFrame = errors.New("malformed transport frame")

// frame is a parsed transport frame.
type frame struct {
	kind    frameKind
	token   uint32
	seq     uint16
	payload []byte
}

func (f frame) marshal() []byte {
	switch f.kind {
	case frameConnect, frameAccept:
		buf := make([]byte, frameHeaderSize+tokenSize)
		buf[0] = byte(f.kind)
		binary.LittleEndian.PutUint32(buf[1:], f.token)
		return buf
	case frameReliable, frameUnreliable, frameAck:
		buf := make([]byte, dataHeaderSize+len(f.payload))
		buf[0] = byte(f.kind)
		binary.LittleEndian.PutUint16(buf[1:], f.seq)
		copy(buf[dataHeaderSize:], f.payload)
		return buf
	default:
		return []byte{byte(f.kind)}
	}
}

func parseFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize {
		return frame{}, errMalformedFrame
	}
	f := frame{kind: frameKind(data[0])}
	switch f.kind {
	case frameConnect, frameAccept:
		if len(data) < frameHeaderSize+tokenSize {
			return frame{}, errMalformedFrame
		}
		f.token = binary.LittleEndian.Uint32(data[1:])
	case frameReliable, frameUnreliable, frameAck:
		if len(data) < dataHeaderSize {
			return frame{}, errMalformedFrame
		}
		f.seq = binary.LittleEndian.Uint16(data[1:])
		f.payload = data[dataHeaderSize:]
	case frameDisconnect, frameHeartbeat:
	default:
		return frame{}, errMalformedFrame
	}
	return f, nil
}

// seqNewer reports whether a is after b in wrapping 16-bit sequence space.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}
