// Package chunk splits oversized broadcast fragments into ordered pieces
// that fit a transport message budget, and reassembles them on the far side.
package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBadPiece      = errors.New("malformed chunk piece")
	ErrTotalMismatch = errors.New("chunk total mismatch")
)

// Piece is one slice of an encoded fragment. Pieces for the same fragment
// share a MessageID and may arrive in any order, duplicated or not at all.
type Piece struct {
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Data      string `json:"data"`
}

// Split encodes payload to a portable text form and slices it into pieces of
// at most chunkSize characters. Payloads that fit in one piece still get a
// message id so receivers handle both shapes uniformly.
func Split(payload []byte, chunkSize int) []Piece {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	id := uuid.NewString()
	pieces := make([]Piece, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		pieces = append(pieces, Piece{
			MessageID: id,
			Index:     i,
			Total:     total,
			Data:      encoded[start:end],
		})
	}
	return pieces
}

type partial struct {
	pieces  []string
	seen    []bool
	have    int
	total   int
	started time.Time
}

// Assembler buffers pieces keyed by message id until a fragment is complete.
// Incomplete fragments older than the TTL are discarded by Expire so a lost
// piece cannot pin memory forever.
type Assembler struct {
	mu       sync.Mutex
	ttl      time.Duration
	partials map[string]*partial
}

func NewAssembler(ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Assembler{
		ttl:      ttl,
		partials: make(map[string]*partial),
	}
}

// Add records a piece. When the piece completes its message, Add returns the
// decoded original payload and true, and the buffer for that message is
// released. Duplicate pieces overwrite idempotently.
func (a *Assembler) Add(p Piece) ([]byte, bool, error) {
	if p.MessageID == "" || p.Total <= 0 || p.Index < 0 || p.Index >= p.Total {
		return nil, false, ErrBadPiece
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.partials[p.MessageID]
	if !ok {
		buf = &partial{
			pieces:  make([]string, p.Total),
			seen:    make([]bool, p.Total),
			total:   p.Total,
			started: time.Now(),
		}
		a.partials[p.MessageID] = buf
	}
	if buf.total != p.Total {
		return nil, false, fmt.Errorf("%w: message %s declared %d then %d", ErrTotalMismatch, p.MessageID, buf.total, p.Total)
	}

	if !buf.seen[p.Index] {
		buf.seen[p.Index] = true
		buf.have++
	}
	buf.pieces[p.Index] = p.Data

	if buf.have < buf.total {
		return nil, false, nil
	}

	delete(a.partials, p.MessageID)

	var encoded strings.Builder
	for _, part := range buf.pieces {
		encoded.WriteString(part)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, false, fmt.Errorf("decode message %s: %w", p.MessageID, err)
	}
	return payload, true, nil
}

// Expire drops incomplete messages that have been waiting longer than the
// TTL and reports how many were discarded.
func (a *Assembler) Expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for id, buf := range a.partials {
		if now.Sub(buf.started) > a.ttl {
			delete(a.partials, id)
			dropped++
		}
	}
	return dropped
}

// Pending reports how many incomplete messages are buffered.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partials)
}
