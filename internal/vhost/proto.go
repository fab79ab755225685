// Package vhost implements the backend side of the vhost-user
// protocol: message framing over UNIX sockets with SCM_RIGHTS fd
// passing, and the per-device state machine that turns protocol
// messages into virtqueue and memory-table operations.
package vhost

import (
	"encoding/binary"
	"fmt"

	"github.com/vwax/roadtest/internal/guestmem"
)

// Request codes, per the vhost-user specification.
const (
	ReqNone                uint32 = 0
	ReqGetFeatures         uint32 = 1
	ReqSetFeatures         uint32 = 2
	ReqSetOwner            uint32 = 3
	ReqResetOwner          uint32 = 4
	ReqSetMemTable         uint32 = 5
	ReqSetLogBase          uint32 = 6
	ReqSetLogFD            uint32 = 7
	ReqSetVringNum         uint32 = 8
	ReqSetVringAddr        uint32 = 9
	ReqSetVringBase        uint32 = 10
	ReqGetVringBase        uint32 = 11
	ReqSetVringKick        uint32 = 12
	ReqSetVringCall        uint32 = 13
	ReqSetVringErr         uint32 = 14
	ReqGetProtocolFeatures uint32 = 15
	ReqSetProtocolFeatures uint32 = 16
	ReqGetQueueNum         uint32 = 17
	ReqSetVringEnable      uint32 = 18
	ReqGetConfig           uint32 = 24
	ReqSetConfig           uint32 = 25
)

var reqNames = map[uint32]string{
	ReqNone:                "NONE",
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
}

// RequestName returns a printable name for a request code.
func RequestName(req uint32) string {
	if name, ok := reqNames[req]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", req)
}

// Header flag bits.
const (
	flagVersion   uint32 = 0x1
	FlagReply     uint32 = 0x4
	FlagNeedReply uint32 = 0x8
)

// Feature bits.
const (
	// VIRTIO_F_VERSION_1
	FeatureVersion1 uint64 = 1 << 32
	// VIRTIO_F_ACCESS_PLATFORM
	FeatureAccessPlatform uint64 = 1 << 33
	// VHOST_USER_F_PROTOCOL_FEATURES
	FeatureProtocol uint64 = 1 << 30
)

// Protocol feature bits.
const (
	ProtocolFeatureMQ       uint64 = 1 << 0
	ProtocolFeatureReplyAck uint64 = 1 << 3
	ProtocolFeatureConfig   uint64 = 1 << 9
)

// VringNoFDMask marks the "no fd follows" bit in the u64 payload of
// the vring kick/call/err messages. The low byte holds the queue
// index.
const VringNoFDMask uint64 = 0x100

const (
	// HeaderSize is the fixed message header length.
	HeaderSize = 12

	// MaxMsgSize bounds a single message payload.
	MaxMsgSize = 4096

	// MaxMemRegions bounds a memory table update.
	MaxMemRegions = 8

	memRegionSize = 32
)

// Message is one framed vhost-user message plus any ancillary fds.
type Message struct {
	Request uint32
	Flags   uint32
	Payload []byte
	FDs     []int
}

// U64 decodes a u64 payload.
func (m *Message) U64() (uint64, error) {
	if len(m.Payload) < 8 {
		return 0, fmt.Errorf("vhost: %s payload too short (%d bytes)", RequestName(m.Request), len(m.Payload))
	}
	return binary.LittleEndian.Uint64(m.Payload), nil
}

// VringState decodes a {index, num} payload.
func (m *Message) VringState() (index uint32, num uint32, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, fmt.Errorf("vhost: %s payload too short (%d bytes)", RequestName(m.Request), len(m.Payload))
	}
	return binary.LittleEndian.Uint32(m.Payload[0:4]), binary.LittleEndian.Uint32(m.Payload[4:8]), nil
}

// VringAddr is the payload of SET_VRING_ADDR.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

// VringAddr decodes a SET_VRING_ADDR payload.
func (m *Message) VringAddr() (VringAddr, error) {
	if len(m.Payload) < 40 {
		return VringAddr{}, fmt.Errorf("vhost: SET_VRING_ADDR payload too short (%d bytes)", len(m.Payload))
	}
	return VringAddr{
		Index: binary.LittleEndian.Uint32(m.Payload[0:4]),
		Flags: binary.LittleEndian.Uint32(m.Payload[4:8]),
		Desc:  binary.LittleEndian.Uint64(m.Payload[8:16]),
		Used:  binary.LittleEndian.Uint64(m.Payload[16:24]),
		Avail: binary.LittleEndian.Uint64(m.Payload[24:32]),
		Log:   binary.LittleEndian.Uint64(m.Payload[32:40]),
	}, nil
}

// MemRegions decodes a SET_MEM_TABLE payload.
func (m *Message) MemRegions() ([]guestmem.RegionDesc, error) {
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("vhost: SET_MEM_TABLE payload too short (%d bytes)", len(m.Payload))
	}
	n := binary.LittleEndian.Uint32(m.Payload[0:4])
	if n == 0 || n > MaxMemRegions {
		return nil, fmt.Errorf("vhost: SET_MEM_TABLE region count %d out of range", n)
	}
	if len(m.Payload) < 8+int(n)*memRegionSize {
		return nil, fmt.Errorf("vhost: SET_MEM_TABLE payload too short for %d regions", n)
	}
	regions := make([]guestmem.RegionDesc, n)
	for i := range regions {
		off := 8 + i*memRegionSize
		regions[i] = guestmem.RegionDesc{
			GuestPhysAddr: binary.LittleEndian.Uint64(m.Payload[off : off+8]),
			Size:          binary.LittleEndian.Uint64(m.Payload[off+8 : off+16]),
			UserAddr:      binary.LittleEndian.Uint64(m.Payload[off+16 : off+24]),
			MmapOffset:    binary.LittleEndian.Uint64(m.Payload[off+24 : off+32]),
		}
	}
	return regions, nil
}

// ConfigSpace decodes a GET_CONFIG/SET_CONFIG payload header,
// returning the offset, size, and any trailing config bytes.
func (m *Message) ConfigSpace() (offset uint32, size uint32, data []byte, err error) {
	if len(m.Payload) < 12 {
		return 0, 0, nil, fmt.Errorf("vhost: %s payload too short (%d bytes)", RequestName(m.Request), len(m.Payload))
	}
	offset = binary.LittleEndian.Uint32(m.Payload[0:4])
	size = binary.LittleEndian.Uint32(m.Payload[4:8])
	data = m.Payload[12:]
	return offset, size, data, nil
}

func u64Payload(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}

func vringStatePayload(index, num uint32) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], index)
	binary.LittleEndian.PutUint32(buf[4:8], num)
	return buf[:]
}

func configPayload(offset, size uint32, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	copy(buf[12:], data)
	return buf
}
