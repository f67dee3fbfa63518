package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ReservedID is the transaction id of hello, search and bridge control traffic.
	ReservedID uint32 = 0

	// BroadcastDevice addresses the bridge itself rather than one drone.
	BroadcastDevice = "*"

	// SearchCommand asks the bridge for the addresses it can reach.
	SearchCommand = "search"
)

// Bridge control operations carried on the reserved id.
const (
	OpHello  = "hello"
	OpAdd    = "add"
	OpRemove = "remove"
)

var (
	// ErrMalformed indicates a datagram that does not follow the wire format.
	ErrMalformed = errors.New("MALFORMED_DATAGRAM")
)

// Request is a decoded outbound datagram.
type Request struct {
	TxID          uint32
	DeviceID      string
	DeviceTimeout time.Duration
	Command       string
}

// Control is a bridge control message received on the reserved id.
type Control struct {
	Op   string
	Args []string
}

// EncodeRequest builds "<txid> <deviceId> <deviceTimeoutMs> <command>".
func EncodeRequest(txid uint32, deviceID string, deviceTimeout time.Duration, command string) []byte {
	return []byte(fmt.Sprintf("%d %s %d %s", txid, deviceID, deviceTimeout.Milliseconds(), command))
}

// EncodeSearch builds the reserved search request.
func EncodeSearch() []byte {
	return EncodeRequest(ReservedID, BroadcastDevice, 0, SearchCommand)
}

// DecodeRequest parses an outbound datagram. Bridges use it.
func DecodeRequest(datagram []byte) (Request, error) {
	fields := strings.SplitN(trimLine(datagram), " ", 4)
	if len(fields) < 4 || fields[3] == "" {
		return Request{}, fmt.Errorf("%w: want 4 fields, got %q", ErrMalformed, string(datagram))
	}

	txid, err := parseTxID(fields[0])
	if err != nil {
		return Request{}, err
	}

	ms, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || ms < 0 {
		return Request{}, fmt.Errorf("%w: bad device timeout %q", ErrMalformed, fields[2])
	}

	return Request{
		TxID:          txid,
		DeviceID:      fields[1],
		DeviceTimeout: time.Duration(ms) * time.Millisecond,
		Command:       fields[3],
	}, nil
}

// EncodeResponse builds "<txid> <payload>".
func EncodeResponse(txid uint32, payload string) []byte {
	if payload == "" {
		return []byte(strconv.FormatUint(uint64(txid), 10))
	}
	return []byte(fmt.Sprintf("%d %s", txid, payload))
}

// DecodeResponse splits an inbound datagram into its transaction id and the
// verbatim payload that follows the first space.
func DecodeResponse(datagram []byte) (uint32, string, error) {
	line := trimLine(datagram)
	idPart, payload, _ := strings.Cut(line, " ")

	txid, err := parseTxID(idPart)
	if err != nil {
		return 0, "", err
	}
	return txid, payload, nil
}

// EncodeControl builds a reserved-id bridge control datagram.
func EncodeControl(op string, args ...string) []byte {
	return EncodeResponse(ReservedID, strings.TrimSpace(op+" "+strings.Join(args, " ")))
}

// ParseControl recognises bridge control payloads. Anything else on the
// reserved id is a search reply.
func ParseControl(payload string) (Control, bool) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return Control{}, false
	}

	switch fields[0] {
	case OpHello, OpAdd, OpRemove:
		return Control{Op: fields[0], Args: fields[1:]}, true
	default:
		return Control{}, false
	}
}

// ParseAddresses splits a search reply into hardware addresses, skipping
// empty tokens left by repeated separators.
func ParseAddresses(payload string) []string {
	return strings.Fields(payload)
}

func parseTxID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad transaction id %q", ErrMalformed, s)
	}
	return uint32(id), nil
}

func trimLine(datagram []byte) string {
	return strings.TrimRight(string(datagram), "\r\n\x00")
}
