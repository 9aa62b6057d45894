package uds

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// envelope is the length-prefixed frame body: an operation tag plus the
// JSON-encoded request/response for that operation.
type envelope struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body"`
}

const (
	opAcquire = "acquire"
	opSeal    = "seal"
	opDiscard = "discard"
	opRelease = "release"
)

// writeFrame sends a 4-byte big-endian length prefix followed by payload. If
// fds is non-empty, the prefix is sent as a separate plain Write and payload
// is sent via WriteMsgUnix carrying fds as an SCM_RIGHTS ancillary message,
// so the control message lands attached to exactly the syscall that carries
// payload.
func writeFrame(conn *net.UnixConn, payload []byte, fds []int) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}

	if len(fds) == 0 {
		_, err := conn.Write(payload)
		return err
	}
	oob := unix.UnixRights(fds...)
	_, _, err := conn.WriteMsgUnix(payload, oob, nil)
	return err
}

// readFrame reads one frame written by writeFrame, returning any file
// descriptors that arrived as an SCM_RIGHTS ancillary message.
func readFrame(conn *net.UnixConn) ([]byte, []int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	oobBuf := make([]byte, unix.CmsgSpace(4*8))
	pn, oobn, _, _, err := conn.ReadMsgUnix(payload, oobBuf)
	if err != nil {
		return nil, nil, err
	}
	payload = payload[:pn]

	var fds []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
		if err == nil && len(scms) > 0 {
			parsed, err := unix.ParseUnixRights(&scms[0])
			if err == nil {
				fds = parsed
			}
		}
	}
	return payload, fds, nil
}
