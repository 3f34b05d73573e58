package packet

import (
	"encoding/binary"

	"github.com/monstermq/core/pkg/er"
)

// PubackPacket, PubrecPacket, PubrelPacket and PubcompPacket are the
// inbound counterparts of NewPubAck/NewPubRec/NewPubRel/NewPubComp: all
// four packet types share PUBACK's 4-byte wire shape (fixed header,
// remaining length 2, packet ID), used to drive the QoS 1/2 handshake
// state machine in both directions.
type PubackPacket struct{ PacketID uint16 }
type PubrecPacket struct{ PacketID uint16 }
type PubrelPacket struct{ PacketID uint16 }
type PubcompPacket struct{ PacketID uint16 }

func parseAckShape(raw []byte, want PacketType, context string) (uint16, error) {
	if len(raw) < 4 {
		return 0, &er.Err{Context: context, Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketLength}
	}
	return binary.BigEndian.Uint16(raw[2:4]), nil
}

func (p *PubackPacket) Parse(raw []byte) error {
	id, err := parseAckShape(raw, PUBACK, "Puback")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrecPacket) Parse(raw []byte) error {
	id, err := parseAckShape(raw, PUBREC, "Pubrec")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrelPacket) Parse(raw []byte) error {
	id, err := parseAckShape(raw, PUBREL, "Pubrel")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubcompPacket) Parse(raw []byte) error {
	id, err := parseAckShape(raw, PUBCOMP, "Pubcomp")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

// Publish Acknowledge
func NewPubAck(packetID uint16) []byte {
	return []byte{
		byte(PUBACK),          // Packet Type (PUBACK)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish received (QoS 2 publish received, part 1)
func NewPubRec(packetID uint16) []byte {
	return []byte{
		byte(PUBREC),          // Packet Type (PUBREC)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish release (QoS 2 publish received, part 2)
func NewPubRel(packetID uint16) []byte {
	return []byte{
		byte(PUBREL),          // Packet Type (PUBREL)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish complete (QoS 2 publish received, part 3)
func NewPubComp(packetID uint16) []byte {
	return []byte{
		byte(PUBCOMP),         // Packet Type (PUBCOMP)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}
