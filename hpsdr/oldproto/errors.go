package oldproto

import "errors"

var (
	errShort      = errors.New("short packet")
	errBadHeader  = errors.New("bad header bytes")
	errPacketType = errors.New("unexpected packet type")
)
