package ledger

import (
	"encoding/binary"
	"encoding/json"

	"github.com/raceline/raceline/pkg/signal"
)

// EncodeSeq converts a sequence number to big-endian bytes for BoltDB keys.
// Big-endian keeps cursor order equal to numeric order.
func EncodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// DecodeSeq converts big-endian key bytes back to a sequence number.
func DecodeSeq(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func encodeSignal(sig signal.Signal) ([]byte, error) {
	return json.Marshal(sig)
}

func decodeSignal(data []byte) (signal.Signal, error) {
	var sig signal.Signal
	err := json.Unmarshal(data, &sig)
	return sig, err
}
