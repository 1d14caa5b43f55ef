package harness

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// KeyDelimiter separates the sequence and worker segments of a tag.
const KeyDelimiter = ":"

var errMalformedKey = errors.New("malformed correlation key")

// CorrelationKey identifies one outstanding request within a worker's batch.
// Its string form "{seq}:{workerID}" travels as the request's user data.
type CorrelationKey struct {
	Seq      int
	WorkerID string
}

func NewKey(seq int, workerID string) CorrelationKey {
	return CorrelationKey{Seq: seq, WorkerID: workerID}
}

func (k CorrelationKey) String() string {
	return strconv.Itoa(k.Seq) + KeyDelimiter + k.WorkerID
}

// ParseKey splits an echoed tag on the first delimiter.
func ParseKey(tag string) (CorrelationKey, error) {
	seq, worker, ok := strings.Cut(tag, KeyDelimiter)
	if !ok || worker == "" {
		return CorrelationKey{}, fmt.Errorf("%w: %q", errMalformedKey, tag)
	}
	n, err := strconv.Atoi(seq)
	if err != nil || n < 0 {
		return CorrelationKey{}, fmt.Errorf("%w: sequence %q", errMalformedKey, seq)
	}
	return CorrelationKey{Seq: n, WorkerID: worker}, nil
}

// echoMarker returns the last delimited segment of a service result, which
// the echo service sets to the request payload.
func echoMarker(result string) string {
	if i := strings.LastIndex(result, KeyDelimiter); i >= 0 {
		return result[i+len(KeyDelimiter):]
	}
	return result
}
