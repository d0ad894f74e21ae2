package protocol

import (
	"net"
)

// SendRawPacket serializes and sends a control packet with CRC attached.
// Used by server and client drivers for handshake traffic that exists
// before a connection does.
func SendRawPacket(socket *UDPSocket, addr *net.UDPAddr, protocolID uint32, sequence uint16, packetType PacketType) error {
	header := PacketHeader{
		ProtocolID: protocolID,
		Sequence:   sequence,
	}
	data, err := NewPacket(header, packetType).Serialize()
	if err != nil {
		return err
	}
	return socket.SendTo(AppendCrc32(data), addr)
}
