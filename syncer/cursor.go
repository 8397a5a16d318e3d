package syncer

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cursor lets a client resume paginated server-change retrieval. Opaque on
// the wire: cbor then base64url, so clients cannot meaningfully tinker
// with it and the encoding can change without protocol impact.
type cursor struct {
	Entity  string `cbor:"1,keyasint"`
	SinceMs int64  `cbor:"2,keyasint"`
	Offset  int    `cbor:"3,keyasint"`
}

func (c cursor) Encode() string {
	b, err := cbor.Marshal(c)
	if err != nil {
		// cbor cannot fail on this struct shape
		panic(fmt.Sprintf("cursor encode: %s", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (*cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not a sync cursor: %w", err)
	}
	var c cursor
	if err := cbor.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("not a sync cursor: %w", err)
	}
	return &c, nil
}
