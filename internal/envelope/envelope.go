// Package envelope implements the Chaski-Confluent message codec (C1): the
// self-describing Envelope type and its length-prefixed wire framing.
package envelope

import (
	"encoding/binary"
	"fmt"
)

// Command is a tag from the closed set of control commands (spec §6).
// Unlike the donor's dynamic-dispatch command lookup, this is a fixed,
// exhaustive set: an unrecognized tag on the wire is a protocol error, not a
// silently ignored message (see spec §9 Design Notes).
type Command string

const (
	CmdReportPaired                 Command = "report_paired"
	CmdKeepalive                    Command = "keepalive"
	CmdKeepaliveResponse            Command = "keepalive_response"
	CmdDiscovery                    Command = "discovery"
	CmdPairing                      Command = "pairing"
	CmdPairDeclined                 Command = "pair_declined"
	CmdUnpair                       Command = "unpair"
	CmdTopicMessage                 Command = "topic_message"
	CmdFileChunk                    Command = "file_chunk"
	CmdFileResumeFrom               Command = "file_resume_from"
	CmdFileTransferFailed           Command = "file_transfer_failed"
	CmdFlowPause                    Command = "flow_pause"
	CmdFlowResume                   Command = "flow_resume"
	CmdCARequestCertificate         Command = "ca_request_certificate"
	CmdCARequestCertificateResponse Command = "ca_request_certificate_response"
	CmdCARevoke                     Command = "ca_revoke"
	CmdCAGetCRL                     Command = "ca_get_crl"
	CmdCAGetCRLResponse             Command = "ca_get_crl_response"
	CmdProxyCall                    Command = "proxy_call"
	CmdProxyCallResponse            Command = "proxy_call_response"
	CmdTooManyEdges                 Command = "too_many_edges"
	CmdTerminate                    Command = "terminate"
)

// KnownCommands is the closed set of valid command tags.
var KnownCommands = map[Command]bool{
	CmdReportPaired: true, CmdKeepalive: true, CmdKeepaliveResponse: true,
	CmdDiscovery: true, CmdPairing: true, CmdPairDeclined: true, CmdUnpair: true,
	CmdTopicMessage: true, CmdFileChunk: true, CmdFileResumeFrom: true,
	CmdFileTransferFailed: true, CmdFlowPause: true, CmdFlowResume: true,
	CmdCARequestCertificate: true, CmdCARequestCertificateResponse: true,
	CmdCARevoke: true, CmdCAGetCRL: true, CmdCAGetCRLResponse: true,
	CmdProxyCall: true, CmdProxyCallResponse: true,
	CmdTooManyEdges: true, CmdTerminate: true,
}

// Envelope is the unit of on-wire communication (spec §3).
type Envelope struct {
	Command   Command
	ID        string
	Timestamp int64 // UTC unix nanoseconds, origin-assigned
	Origin    string
	TTL       int32
	Visited   []string
	Topic     string
	Data      []byte // opaque, serializer-defined payload
}

// MaxStringLen bounds any single string field to keep a malformed frame from
// allocating unbounded memory while still being well within protocol needs.
// It is the largest length the uint16 length prefix can carry.
const MaxStringLen = 1<<16 - 1

// Encode serializes the envelope using the codec's compact binary layout:
// fixed-width length-prefixed fields in a stable order. Any envelope written
// by one node is decodable by another using this same layout (the codec is
// symmetric, spec §4.1).
func (e *Envelope) Encode() ([]byte, error) {
	if err := checkLen("command", len(e.Command)); err != nil {
		return nil, err
	}
	if err := checkLen("id", len(e.ID)); err != nil {
		return nil, err
	}
	if err := checkLen("origin", len(e.Origin)); err != nil {
		return nil, err
	}
	if err := checkLen("topic", len(e.Topic)); err != nil {
		return nil, err
	}
	for _, v := range e.Visited {
		if err := checkLen("visited entry", len(v)); err != nil {
			return nil, err
		}
	}

	size := 2 + len(e.Command) +
		2 + len(e.ID) +
		8 + // timestamp
		2 + len(e.Origin) +
		4 + // ttl
		2 + // visited count
		4 + len(e.Data)
	for _, v := range e.Visited {
		size += 2 + len(v)
	}
	size += 2 + len(e.Topic)

	buf := make([]byte, size)
	off := 0
	off = putString(buf, off, string(e.Command))
	off = putString(buf, off, e.ID)
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp))
	off += 8
	off = putString(buf, off, e.Origin)
	binary.BigEndian.PutUint32(buf[off:], uint32(e.TTL))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(e.Visited)))
	off += 2
	for _, v := range e.Visited {
		off = putString(buf, off, v)
	}
	off = putString(buf, off, e.Topic)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Data)))
	off += 4
	copy(buf[off:], e.Data)
	off += len(e.Data)

	return buf, nil
}

// Decode deserializes an envelope previously produced by Encode.
func Decode(b []byte) (*Envelope, error) {
	e := &Envelope{}
	off := 0

	cmd, n, err := getString(b, off)
	if err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	e.Command = Command(cmd)
	off = n

	id, n, err := getString(b, off)
	if err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	e.ID = id
	off = n

	if off+8 > len(b) {
		return nil, fmt.Errorf("decode timestamp: short buffer")
	}
	e.Timestamp = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8

	origin, n, err := getString(b, off)
	if err != nil {
		return nil, fmt.Errorf("decode origin: %w", err)
	}
	e.Origin = origin
	off = n

	if off+4 > len(b) {
		return nil, fmt.Errorf("decode ttl: short buffer")
	}
	e.TTL = int32(binary.BigEndian.Uint32(b[off:]))
	off += 4

	if off+2 > len(b) {
		return nil, fmt.Errorf("decode visited count: short buffer")
	}
	count := binary.BigEndian.Uint16(b[off:])
	off += 2
	if count > 0 {
		e.Visited = make([]string, 0, count)
	}
	for i := uint16(0); i < count; i++ {
		v, n, err := getString(b, off)
		if err != nil {
			return nil, fmt.Errorf("decode visited[%d]: %w", i, err)
		}
		e.Visited = append(e.Visited, v)
		off = n
	}

	topic, n, err := getString(b, off)
	if err != nil {
		return nil, fmt.Errorf("decode topic: %w", err)
	}
	e.Topic = topic
	off = n

	if off+4 > len(b) {
		return nil, fmt.Errorf("decode data length: short buffer")
	}
	dataLen := binary.BigEndian.Uint32(b[off:])
	off += 4
	if uint32(len(b)-off) < dataLen {
		return nil, fmt.Errorf("decode data: short buffer")
	}
	if dataLen > 0 {
		e.Data = make([]byte, dataLen)
		copy(e.Data, b[off:off+int(dataLen)])
	}
	off += int(dataLen)

	return e, nil
}

func checkLen(field string, n int) error {
	if n > MaxStringLen {
		return fmt.Errorf("%s exceeds maximum length %d", field, MaxStringLen)
	}
	return nil
}

func putString(buf []byte, off int, s string) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(s)))
	off += 2
	copy(buf[off:], s)
	return off + len(s)
}

func getString(b []byte, off int) (string, int, error) {
	if off+2 > len(b) {
		return "", 0, fmt.Errorf("short buffer reading length")
	}
	l := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if off+l > len(b) {
		return "", 0, fmt.Errorf("short buffer reading string of length %d", l)
	}
	return string(b[off : off+l]), off + l, nil
}
