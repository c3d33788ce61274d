package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned when a resume token cannot be decoded.
var ErrInvalidToken = errors.New("transport: invalid resume token")

// ResumeToken is an opaque value that continues an interrupted transfer
// from its last written byte.
type ResumeToken []byte

type tokenData struct {
	URL     string `json:"url"`
	Partial string `json:"partial"`
	Offset  int64  `json:"offset"`
	ETag    string `json:"etag,omitempty"`
}

func (d tokenData) encode() ResumeToken {
	data, err := json.Marshal(d)
	if err != nil {
		// Marshaling a struct of strings and ints cannot fail.
		panic(err)
	}
	return data
}

func (t ResumeToken) decode() (tokenData, error) {
	var d tokenData
	if len(t) == 0 {
		return d, ErrInvalidToken
	}
	if err := json.Unmarshal(t, &d); err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if d.URL == "" || d.Partial == "" || d.Offset < 0 {
		return d, ErrInvalidToken
	}
	return d, nil
}

// URL returns the source the token continues, or "" if it is malformed.
func (t ResumeToken) URL() string {
	d, err := t.decode()
	if err != nil {
		return ""
	}
	return d.URL
}

// Offset returns the byte the token continues from.
func (t ResumeToken) Offset() int64 {
	d, err := t.decode()
	if err != nil {
		return 0
	}
	return d.Offset
}
