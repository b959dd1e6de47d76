package prompt

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

const (
	DefaultEncoding = "cl100k_base"

	CounterCodec    = "codec"
	CounterTiktoken = "tiktoken"
)

// Counter counts the tokens of a rendered prompt.
type Counter interface {
	Count(text string) (int, error)
}

// NewCounter returns the counter for kind: "codec" uses the embedded
// tokenizer tables, "tiktoken" loads the BPE ranks on first use.
func NewCounter(kind, encoding string) (Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	switch kind {
	case "", CounterCodec:
		return &codecCounter{encoding: encoding}, nil
	case CounterTiktoken:
		return &tiktokenCounter{encoding: encoding}, nil
	default:
		return nil, errors.Errorf("unknown token counter %q", kind)
	}
}

type codecCounter struct {
	encoding string

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func (c *codecCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(tokenizer.Encoding(c.encoding))
	})
	if c.err != nil {
		return 0, errors.Wrapf(c.err, "load %s codec", c.encoding)
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "encode prompt")
	}
	return len(ids), nil
}

type tiktokenCounter struct {
	encoding string

	once sync.Once
	tke  *tiktoken.Tiktoken
	err  error
}

func (c *tiktokenCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.tke, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil {
		return 0, errors.Wrapf(c.err, "load %s encoding", c.encoding)
	}
	return len(c.tke.Encode(text, nil, nil)), nil
}
