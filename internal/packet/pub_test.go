package packet

import "testing"

func TestAckRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		build  func(uint16) []byte
		parse  func([]byte) (uint16, error)
		packet PacketType
	}{
		{"puback", NewPubAck, func(raw []byte) (uint16, error) {
			var p PubackPacket
			return p.PacketID, p.Parse(raw)
		}, PUBACK},
		{"pubrec", NewPubRec, func(raw []byte) (uint16, error) {
			var p PubrecPacket
			return p.PacketID, p.Parse(raw)
		}, PUBREC},
		{"pubrel", NewPubRel, func(raw []byte) (uint16, error) {
			var p PubrelPacket
			return p.PacketID, p.Parse(raw)
		}, PUBREL},
		{"pubcomp", NewPubComp, func(raw []byte) (uint16, error) {
			var p PubcompPacket
			return p.PacketID, p.Parse(raw)
		}, PUBCOMP},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := c.build(1337)
			id, err := c.parse(raw)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if id != 1337 {
				t.Errorf("PacketID = %d, want 1337", id)
			}
		})
	}
}

func TestAckParseRejectsWrongType(t *testing.T) {
	raw := NewPubAck(1)
	var p PubrecPacket
	if err := p.Parse(raw); err == nil {
		t.Error("Parse should reject a PUBACK frame as PUBREC")
	}
}

func TestAckParseRejectsShortBuffer(t *testing.T) {
	var p PubackPacket
	if err := p.Parse([]byte{byte(PUBACK), 0x02}); err == nil {
		t.Error("Parse should reject a truncated frame")
	}
}
