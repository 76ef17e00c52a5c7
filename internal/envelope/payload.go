package envelope

import (
	"bytes"
	"encoding/gob"
)

// Payload types carried in Envelope.Data, one per command that needs
// structured data. Data is declared opaque and serializer-defined by spec
// §3/§4.1; this node uses encoding/gob uniformly since the payload shapes
// are all plain Go structs and no schema-evolution story is required.

// ReportPaired is the handshake payload (spec §4.4).
type ReportPaired struct {
	Address      string
	Subscriptions []string
	Paired       bool
}

// KeepalivePayload carries the ping timestamp (spec §4.2).
type KeepalivePayload struct {
	SentAt int64
}

// Discovery is the gossip payload (spec §4.5).
type Discovery struct {
	PreviousNode string
	Visited      []string
	TTL          int32
	Topic        string
}

// Pairing is sent by a responder back to the discovery initiator.
type Pairing struct {
	Address string
	Topic   string
}

// PairDeclined tells a non-winning responder to stand down.
type PairDeclined struct {
	Topic string
}

// Unpair signals that a (topic, peer) pairing should be dropped.
type Unpair struct {
	Topic string
}

// TopicMessage carries an application payload on a paired topic (spec §4.6).
type TopicMessage struct {
	Topic   string
	Payload []byte
}

// FileChunk carries one chunk of a file transfer (spec §4.7).
type FileChunk struct {
	FileID      string
	Filename    string
	Topic       string
	Index       uint64
	TotalChunks uint64
	ChunkSize   uint32
	Size        uint32
	Data        []byte
	EOF         bool
	SHA256      [32]byte
	Password    string // only meaningful on the offer chunk (Index 0); gates new transfers
}

// FileResumeFrom tells the sender where to resume (spec §4.7).
type FileResumeFrom struct {
	FileID string
	Index  uint64
}

// FileTransferFailed reports a fatal transfer error.
type FileTransferFailed struct {
	FileID string
	Reason string
}

// FlowPause/FlowResume implement per-file backpressure (spec §5).
type FlowPause struct {
	FileID string
}

type FlowResume struct {
	FileID string
}

// CARequestCertificate requests issuance, optionally supplying a CSR.
type CARequestCertificate struct {
	SubjectCountry  string
	SubjectState    string
	SubjectLocality string
	SubjectOrg      string
	CommonName      string
	IP              string
	CSRPEM          []byte // nil means "CA generates key+CSR on requester's behalf"
}

// CARequestCertificateResponse carries the issued material back.
type CARequestCertificateResponse struct {
	IssuedCertPEM []byte
	RootCertPEM   []byte
	PrivateKeyPEM []byte // set only when the CA generated the key
	Error         string
}

// CARevoke requests revocation of an issued serial.
type CARevoke struct {
	Serial string
}

// CAGetCRLResponse carries the current CRL.
type CAGetCRLResponse struct {
	CRLPEM []byte
}

// ProxyCall is a remote-object-proxy request (spec §4.9).
type ProxyCall struct {
	ModulePath string
	AttrPath   string
	Args       []byte // caller-marshaled, opaque to the transport
	Kwargs     []byte
	Password   string // cleartext over an already-TLS-secured edge; matched against a hash, never stored
}

// ProxyCallResponse is the correlated reply.
type ProxyCallResponse struct {
	Result []byte
	Error  string
}

// TooManyEdges is sent back to a rejected inbound connection.
type TooManyEdges struct {
	MaxConnections int
}

// EncodePayload gob-encodes v into a Data byte slice.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes data into v.
func DecodePayload(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
