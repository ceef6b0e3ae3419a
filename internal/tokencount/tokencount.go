package tokencount

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts BPE tokens of message content. A nil Counter counts nothing.
type Counter struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// New loads the named encoding. An empty name returns a nil Counter.
func New(encoding string) (*Counter, error) {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		return nil, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load token encoding %q: %w", encoding, err)
	}
	return &Counter{encoding: encoding, enc: enc}, nil
}

// Count returns the token count of text, or nil when counting is disabled.
func (c *Counter) Count(text string) *int {
	if c == nil || c.enc == nil {
		return nil
	}
	n := len(c.enc.Encode(text, nil, nil))
	return &n
}

func (c *Counter) Encoding() string {
	if c == nil {
		return ""
	}
	return c.encoding
}
