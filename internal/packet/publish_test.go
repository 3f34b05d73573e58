package packet

import (
	"bytes"
	"testing"
)

func TestPublishEncodeParseRoundTrip(t *testing.T) {
	id := uint16(42)
	cases := []struct {
		name string
		pp   PublishPacket
	}{
		{"qos0", PublishPacket{Topic: "a/b", Payload: []byte("hello"), QoS: QoSAtMostOnce}},
		{"qos1", PublishPacket{Topic: "sensors/1/temp", Payload: []byte("21.5"), QoS: QoSAtLeastOnce, PacketID: &id}},
		{"qos2 retained", PublishPacket{Topic: "a/b/c", Payload: []byte{}, QoS: QoSExactlyOnce, PacketID: &id, Retain: true}},
		{"dup redelivery", PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: QoSAtLeastOnce, PacketID: &id, DUP: true}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := c.pp.Encode()

			var got PublishPacket
			if err := got.Parse(raw); err != nil {
				t.Fatalf("Parse after Encode failed: %v", err)
			}
			if got.Topic != c.pp.Topic {
				t.Errorf("Topic = %q, want %q", got.Topic, c.pp.Topic)
			}
			if !bytes.Equal(got.Payload, c.pp.Payload) && len(c.pp.Payload) != 0 {
				t.Errorf("Payload = %v, want %v", got.Payload, c.pp.Payload)
			}
			if got.QoS != c.pp.QoS {
				t.Errorf("QoS = %v, want %v", got.QoS, c.pp.QoS)
			}
			if got.Retain != c.pp.Retain {
				t.Errorf("Retain = %v, want %v", got.Retain, c.pp.Retain)
			}
			if c.pp.QoS != QoSAtMostOnce {
				if got.PacketID == nil || *got.PacketID != *c.pp.PacketID {
					t.Errorf("PacketID = %v, want %v", got.PacketID, c.pp.PacketID)
				}
			}
		})
	}
}
