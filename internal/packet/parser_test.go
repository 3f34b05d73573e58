package packet

import "testing"

func TestParseDispatchesAckTypes(t *testing.T) {
	cases := []struct {
		name  string
		raw   []byte
		check func(*testing.T, *ParsedPacket)
	}{
		{"puback", NewPubAck(7), func(t *testing.T, p *ParsedPacket) {
			if p.Puback == nil || p.Puback.PacketID != 7 {
				t.Errorf("Puback = %+v, want PacketID 7", p.Puback)
			}
		}},
		{"pubrec", NewPubRec(8), func(t *testing.T, p *ParsedPacket) {
			if p.Pubrec == nil || p.Pubrec.PacketID != 8 {
				t.Errorf("Pubrec = %+v, want PacketID 8", p.Pubrec)
			}
		}},
		{"pubrel", NewPubRel(9), func(t *testing.T, p *ParsedPacket) {
			if p.Pubrel == nil || p.Pubrel.PacketID != 9 {
				t.Errorf("Pubrel = %+v, want PacketID 9", p.Pubrel)
			}
		}},
		{"pubcomp", NewPubComp(10), func(t *testing.T, p *ParsedPacket) {
			if p.Pubcomp == nil || p.Pubcomp.PacketID != 10 {
				t.Errorf("Pubcomp = %+v, want PacketID 10", p.Pubcomp)
			}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			parsed, err := Parse(c.raw)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			c.check(t, parsed)
		})
	}
}

func TestParseMasksFlagBits(t *testing.T) {
	// A PUBLISH with DUP+QoS1+RETAIN set in the low nibble must still
	// dispatch as PUBLISH, not fail to match any case.
	pp := &PublishPacket{Topic: "a", Payload: nil, QoS: QoSAtLeastOnce, DUP: true, Retain: true}
	id := uint16(1)
	pp.PacketID = &id

	parsed, err := Parse(pp.Encode())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Type != PUBLISH || parsed.Publish == nil {
		t.Fatalf("Parse did not dispatch flagged PUBLISH correctly: %+v", parsed)
	}
}

func TestParseRejectsEmptyBuffer(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("Parse(nil) should error")
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	if _, err := Parse([]byte{0xF0, 0x00}); err == nil {
		t.Error("Parse should reject an unrecognized packet type")
	}
}
