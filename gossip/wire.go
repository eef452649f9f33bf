package gossip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gholt/ringstore/ring"
)

// MsgType identifies the payload carried by a Transport.SendOneWay call:
// a type byte dispatched through a handler table rather than a typed RPC.
type MsgType uint8

const (
	MsgSyn MsgType = iota + 1
	MsgAck
	MsgAck2
)

// The wire layout below carries the GossipDigestSyn/Ack/Ack2 and
// EndpointState structures. Endpoints travel as a length-prefixed UTF-8
// identifier rather than a fixed 4-byte address, since ring.Endpoint is
// an opaque string rather than a literal IP. Every other
// field -- generation, maxVersion, heartbeat, per-key application state --
// is encoded exactly as described.

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", errShortRead
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errShortRead
	}
	return string(b), nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func readInt32(r *bytes.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errShortRead
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func writeDigests(buf *bytes.Buffer, digests []GossipDigest) {
	writeInt32(buf, int32(len(digests)))
	for _, d := range digests {
		writeString(buf, string(d.Endpoint))
		writeInt32(buf, d.Generation)
		writeInt32(buf, d.MaxVersion)
	}
}

func readDigests(r *bytes.Reader) ([]GossipDigest, error) {
	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errShortRead
	}
	digests := make([]GossipDigest, 0, count)
	for i := int32(0); i < count; i++ {
		endpoint, err := readString(r)
		if err != nil {
			return nil, err
		}
		gen, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		maxVer, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		digests = append(digests, GossipDigest{Endpoint: ring.Endpoint(endpoint), Generation: gen, MaxVersion: maxVer})
	}
	return digests, nil
}

func writeEndpointState(buf *bytes.Buffer, es *EndpointState) {
	writeInt32(buf, es.Heartbeat.Generation)
	writeInt32(buf, es.Heartbeat.Version)
	writeInt32(buf, int32(len(es.AppState)))
	for k, v := range es.AppState {
		writeString(buf, k)
		writeString(buf, v.Value)
		writeInt32(buf, v.StateVersion)
	}
}

func readEndpointState(r *bytes.Reader) (*EndpointState, error) {
	gen, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	ver, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errShortRead
	}
	es := &EndpointState{
		Heartbeat: HeartBeatState{Generation: gen, Version: ver},
		AppState:  make(map[string]ApplicationState, count),
	}
	for i := int32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := readString(r)
		if err != nil {
			return nil, err
		}
		stateVersion, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		es.AppState[key] = ApplicationState{Value: value, StateVersion: stateVersion}
	}
	return es, nil
}

func writeStateMap(buf *bytes.Buffer, state map[ring.Endpoint]*EndpointState) {
	writeInt32(buf, int32(len(state)))
	for endpoint, es := range state {
		writeString(buf, string(endpoint))
		writeEndpointState(buf, es)
	}
}

func readStateMap(r *bytes.Reader) (map[ring.Endpoint]*EndpointState, error) {
	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errShortRead
	}
	out := make(map[ring.Endpoint]*EndpointState, count)
	for i := int32(0); i < count; i++ {
		endpoint, err := readString(r)
		if err != nil {
			return nil, err
		}
		es, err := readEndpointState(r)
		if err != nil {
			return nil, err
		}
		out[ring.Endpoint(endpoint)] = es
	}
	return out, nil
}

// EncodeSyn serializes a GossipDigestSyn message.
func EncodeSyn(clusterName string, digests []GossipDigest) []byte {
	var buf bytes.Buffer
	writeString(&buf, clusterName)
	writeDigests(&buf, digests)
	return buf.Bytes()
}

// DecodeSyn parses a GossipDigestSyn payload.
func DecodeSyn(payload []byte) (clusterName string, digests []GossipDigest, err error) {
	r := bytes.NewReader(payload)
	if clusterName, err = readString(r); err != nil {
		return "", nil, err
	}
	if digests, err = readDigests(r); err != nil {
		return "", nil, err
	}
	return clusterName, digests, nil
}

// EncodeAck serializes a GossipDigestAck message.
func EncodeAck(digests []GossipDigest, state map[ring.Endpoint]*EndpointState) []byte {
	var buf bytes.Buffer
	writeDigests(&buf, digests)
	writeStateMap(&buf, state)
	return buf.Bytes()
}

// DecodeAck parses a GossipDigestAck payload.
func DecodeAck(payload []byte) (digests []GossipDigest, state map[ring.Endpoint]*EndpointState, err error) {
	r := bytes.NewReader(payload)
	if digests, err = readDigests(r); err != nil {
		return nil, nil, err
	}
	if state, err = readStateMap(r); err != nil {
		return nil, nil, err
	}
	return digests, state, nil
}

// EncodeAck2 serializes a GossipDigestAck2 message.
func EncodeAck2(state map[ring.Endpoint]*EndpointState) []byte {
	var buf bytes.Buffer
	writeStateMap(&buf, state)
	return buf.Bytes()
}

// DecodeAck2 parses a GossipDigestAck2 payload.
func DecodeAck2(payload []byte) (map[ring.Endpoint]*EndpointState, error) {
	r := bytes.NewReader(payload)
	return readStateMap(r)
}

var errShortRead = errors.New("gossip: short read decoding wire message")
