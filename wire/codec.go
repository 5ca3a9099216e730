// Package wire implements the binary message layout exchanged between
// engine hosts: a length-checked encoder/decoder for the protocol message
// family. Every integer is little-endian; every decode validates declared
// lengths against the bytes actually present before trusting them.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"daoengine/dtype"
)

// Kind identifies a wire message, grouped by protocol.
type Kind uint8

const (
	TPCOpReq Kind = iota
	TPCVoteReq
	TPCVoteY
	TPCVoteN
	TPCCommit
	TPCAbort
	TPCAck

	MTPCOpReq
	MTPCCommit
	MTPCAbort
	MTPCAck

	OOEOpReq
	OOEAck
	OOEAborted

	NotResponsible
	EventReRequest
	ContentRequest
	ContentResponse
	StatusRequest
	StatusResponse
)

func (k Kind) Valid() bool { return k <= StatusResponse }

func (k Kind) String() string {
	switch k {
	case TPCOpReq:
		return "TPCOpReq"
	case TPCVoteReq:
		return "TPCVoteReq"
	case TPCVoteY:
		return "TPCVoteY"
	case TPCVoteN:
		return "TPCVoteN"
	case TPCCommit:
		return "TPCCommit"
	case TPCAbort:
		return "TPCAbort"
	case TPCAck:
		return "TPCAck"
	case MTPCOpReq:
		return "MTPCOpReq"
	case MTPCCommit:
		return "MTPCCommit"
	case MTPCAbort:
		return "MTPCAbort"
	case MTPCAck:
		return "MTPCAck"
	case OOEOpReq:
		return "OOEOpReq"
	case OOEAck:
		return "OOEAck"
	case OOEAborted:
		return "OOEAborted"
	case NotResponsible:
		return "NotResponsible"
	case EventReRequest:
		return "EventReRequest"
	case ContentRequest:
		return "ContentRequest"
	case ContentResponse:
		return "ContentResponse"
	case StatusRequest:
		return "StatusRequest"
	case StatusResponse:
		return "StatusResponse"
	default:
		return "UnknownKind"
	}
}

// isOpReq reports whether k has the shared TPCOpReq/MTPCOpReq/OOEOpReq body layout.
func isOpReq(k Kind) bool {
	return k == TPCOpReq || k == MTPCOpReq || k == OOEOpReq
}

// Message is the decoded form of any wire message. Only the fields
// relevant to Kind are populated on decode.
type Message struct {
	Kind        Kind
	OperationID uint64

	// isOpReq(Kind)
	OpType                  dtype.OperationType
	SubtreeEntryParticipant uint64
	SubtreeEntryCoordinator uint64
	Payload                 []byte

	// StatusResponse/ContentResponse
	Status dtype.Status

	// ContentResponse only.
	Participants []dtype.Subtree
}

// Encode renders m to its wire layout.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := buf.WriteByte(byte(m.Kind)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.OperationID); err != nil {
		return nil, err
	}

	switch {
	case isOpReq(m.Kind):
		if err := buf.WriteByte(byte(m.OpType)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, m.SubtreeEntryParticipant); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, m.SubtreeEntryCoordinator); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Payload))); err != nil {
			return nil, err
		}
		buf.Write(m.Payload)

	case m.Kind == ContentResponse:
		buf.WriteByte(byte(m.Status))
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Payload))); err != nil {
			return nil, err
		}
		buf.Write(m.Payload)
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(m.Participants))); err != nil {
			return nil, err
		}
		for _, p := range m.Participants {
			if err := binary.Write(&buf, binary.LittleEndian, p.SubtreeEntry); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.LittleEndian, uint16(len(p.Server))); err != nil {
				return nil, err
			}
			buf.WriteString(p.Server)
		}

	case m.Kind == StatusResponse:
		buf.WriteByte(byte(m.Status))

	default:
		// TPCVoteReq, TPCVoteY/N, TPCCommit/Abort/Ack, MTPCCommit/Abort/Ack,
		// OOEAck/Aborted, NotResponsible, EventReRequest, ContentRequest,
		// StatusRequest: header only.
	}
	return buf.Bytes(), nil
}

// Decode parses a wire message, validating header length, the declared
// payload length against trailing bytes, that the opcode and operation
// type are within the known enum ranges, and that decoded subtree_entry
// values are non-zero.
func Decode(b []byte) (Message, error) {
	if len(b) < 9 {
		return Message{}, fmt.Errorf("wire: message too short: %d bytes", len(b))
	}
	k := Kind(b[0])
	if !k.Valid() {
		return Message{}, fmt.Errorf("wire: unknown kind %d", b[0])
	}
	id := binary.LittleEndian.Uint64(b[1:9])
	rest := b[9:]
	m := Message{Kind: k, OperationID: id}

	switch {
	case isOpReq(k):
		if len(rest) < 1+8+8+4 {
			return Message{}, fmt.Errorf("wire: %s: truncated header", k)
		}
		opType := dtype.OperationType(rest[0])
		if opType > dtype.OOELBTest {
			return Message{}, fmt.Errorf("wire: %s: unknown operation type %d", k, opType)
		}
		subP := binary.LittleEndian.Uint64(rest[1:9])
		subC := binary.LittleEndian.Uint64(rest[9:17])
		if subP == 0 || subC == 0 {
			return Message{}, fmt.Errorf("wire: %s: subtree_entry must be non-zero", k)
		}
		plen := binary.LittleEndian.Uint32(rest[17:21])
		body := rest[21:]
		if uint32(len(body)) != plen {
			return Message{}, fmt.Errorf("wire: %s: declared payload_len %d does not match %d trailing bytes", k, plen, len(body))
		}
		m.OpType = opType
		m.SubtreeEntryParticipant = subP
		m.SubtreeEntryCoordinator = subC
		m.Payload = body

	case k == ContentResponse:
		if len(rest) < 1+4 {
			return Message{}, fmt.Errorf("wire: ContentResponse: truncated header")
		}
		m.Status = dtype.Status(rest[0])
		plen := binary.LittleEndian.Uint32(rest[1:5])
		cursor := rest[5:]
		if uint32(len(cursor)) < plen {
			return Message{}, fmt.Errorf("wire: ContentResponse: declared payload_len %d exceeds remaining bytes", plen)
		}
		m.Payload = cursor[:plen]
		cursor = cursor[plen:]
		if len(cursor) < 2 {
			return Message{}, fmt.Errorf("wire: ContentResponse: truncated participant count")
		}
		n := binary.LittleEndian.Uint16(cursor[:2])
		cursor = cursor[2:]
		parts := make([]dtype.Subtree, 0, n)
		for i := uint16(0); i < n; i++ {
			if len(cursor) < 8+2 {
				return Message{}, fmt.Errorf("wire: ContentResponse: truncated participant %d", i)
			}
			entry := binary.LittleEndian.Uint64(cursor[:8])
			cursor = cursor[8:]
			slen := binary.LittleEndian.Uint16(cursor[:2])
			cursor = cursor[2:]
			if uint16(len(cursor)) < slen {
				return Message{}, fmt.Errorf("wire: ContentResponse: truncated participant %d server", i)
			}
			server := string(cursor[:slen])
			cursor = cursor[slen:]
			parts = append(parts, dtype.Subtree{Server: server, SubtreeEntry: entry})
		}
		m.Participants = parts

	case k == StatusResponse:
		if len(rest) < 1 {
			return Message{}, fmt.Errorf("wire: StatusResponse: truncated")
		}
		m.Status = dtype.Status(rest[0])

	default:
		// header-only messages must not carry trailing bytes.
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("wire: %s: unexpected trailing bytes", k)
		}
	}
	return m, nil
}
