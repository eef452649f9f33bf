package gossip

import (
	"testing"

	"github.com/gholt/ringstore/ring"
)

// Boundary generations and versions must survive the wire unchanged,
// including values past the 16-bit marks and the extremes of int32.
var boundaryInt32s = []int32{-2147483648, -65535, -65534, -128, -127, -20, 0, 20, 127, 128, 65534, 65535, 2147483647}

func TestSynRoundTrip(t *testing.T) {
	var digests []GossipDigest
	for i, v := range boundaryInt32s {
		digests = append(digests, GossipDigest{
			Endpoint:   ring.Endpoint(string(rune('A' + i))),
			Generation: v,
			MaxVersion: v,
		})
	}
	payload := EncodeSyn("cluster", digests)
	clusterName, got, err := DecodeSyn(payload)
	if err != nil {
		t.Fatal(err)
	}
	if clusterName != "cluster" {
		t.Fatalf("cluster name corrupted: %q", clusterName)
	}
	if len(got) != len(digests) {
		t.Fatalf("expected %d digests, got %d", len(digests), len(got))
	}
	for i, d := range got {
		if d != digests[i] {
			t.Fatalf("digest %d corrupted: %+v vs %+v", i, d, digests[i])
		}
	}
}

func TestAckRoundTrip(t *testing.T) {
	es := NewEndpointState(3)
	es.Heartbeat.Version = 65535
	es.AppState["STATUS"] = ApplicationState{Value: "NORMAL", StateVersion: 7}
	es.AppState["TOKEN"] = ApplicationState{Value: "00ff", StateVersion: 65534}
	digests := []GossipDigest{{Endpoint: "A", Generation: 1, MaxVersion: 5}}
	state := map[ring.Endpoint]*EndpointState{"B": es}

	payload := EncodeAck(digests, state)
	gotDigests, gotState, err := DecodeAck(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotDigests) != 1 || gotDigests[0] != digests[0] {
		t.Fatalf("digests corrupted: %+v", gotDigests)
	}
	b, ok := gotState["B"]
	if !ok {
		t.Fatal("endpoint B missing from decoded state map")
	}
	if b.Heartbeat != es.Heartbeat {
		t.Fatalf("heartbeat corrupted: %+v vs %+v", b.Heartbeat, es.Heartbeat)
	}
	if len(b.AppState) != 2 || b.AppState["TOKEN"] != es.AppState["TOKEN"] || b.AppState["STATUS"] != es.AppState["STATUS"] {
		t.Fatalf("app state corrupted: %+v", b.AppState)
	}
}

func TestAck2RoundTrip(t *testing.T) {
	state := map[ring.Endpoint]*EndpointState{
		"A": NewEndpointState(-20),
		"B": NewEndpointState(2147483647),
	}
	got, err := DecodeAck2(EncodeAck2(state))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(got))
	}
	if got["A"].Heartbeat.Generation != -20 || got["B"].Heartbeat.Generation != 2147483647 {
		t.Fatalf("generations corrupted: %+v %+v", got["A"].Heartbeat, got["B"].Heartbeat)
	}
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	payload := EncodeSyn("cluster", []GossipDigest{{Endpoint: "A", Generation: 1, MaxVersion: 2}})
	if _, _, err := DecodeSyn(payload[:len(payload)-3]); err == nil {
		t.Fatal("expected an error decoding a truncated syn")
	}
}
