package yproto

import "errors"

// ErrUnknownMessage is returned for frames whose leading type varint is not
// one of the defined channel message types. Callers drop such frames.
var ErrUnknownMessage = errors.New("yproto: unknown message type")

// SyncMessage is a decoded sync-protocol sub-message.
type SyncMessage struct {
	Type uint64 // SyncStep1, SyncStep2, or SyncUpdate
	Body []byte // state vector for step-1, update blob otherwise
}

// DecodeSyncMessage decodes the body of a MessageSync frame.
func DecodeSyncMessage(body []byte) (SyncMessage, error) {
	dec := NewDecoder(body)
	typ, err := dec.ReadVarUint()
	if err != nil {
		return SyncMessage{}, err
	}
	payload, err := dec.ReadVarBytes()
	if err != nil {
		return SyncMessage{}, err
	}
	return SyncMessage{Type: typ, Body: payload}, nil
}

// EncodeSyncStep1 frames a state-vector query as a complete channel message.
func EncodeSyncStep1(stateVector []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncStep1)
	enc.WriteVarBytes(stateVector)
	return enc.Bytes()
}

// EncodeSyncStep2 frames an update answering a step-1 query.
func EncodeSyncStep2(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncStep2)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncUpdate)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeAwareness frames an awareness update blob.
func EncodeAwareness(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageAwareness)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// DecodeMessageType reads the leading varint of a channel frame and returns
// it together with the remaining body.
func DecodeMessageType(frame []byte) (uint64, []byte, error) {
	dec := NewDecoder(frame)
	typ, err := dec.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	return typ, dec.Remaining(), nil
}
