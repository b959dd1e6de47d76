package channel

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Descriptor locates the push channel. It is opaque to the engine and is
// refreshed from the session source on every re-bootstrap.
type Descriptor struct {
	// Endpoint is the websocket base URL, e.g. wss://tch1.tch.example.com/up/box/updates.
	Endpoint string `json:"endpoint"`
	// Secret is the rotating channel secret; it is also sent with every query.
	Secret string `json:"secret"`
	Hash   string `json:"hash"`
	// Cursor is the minimum sequence number the channel should replay from.
	Cursor string `json:"cursor"`
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Endpoint) == "" {
		return errors.New("channel descriptor: empty endpoint")
	}
	if strings.TrimSpace(d.Secret) == "" {
		return errors.New("channel descriptor: empty secret")
	}
	return nil
}

// URL is the endpoint with the cursor, secret and hash query parameters.
func (d Descriptor) URL() (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", errors.Wrap(err, "channel descriptor: parse endpoint")
	}
	q := u.Query()
	q.Set("min_seq", d.Cursor)
	q.Set("channel", d.Secret)
	q.Set("hash", d.Hash)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
