// Package tunnel exposes a local server on a public URL: it asks the broker
// for an endpoint and opens a reverse tunnel to it.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RequestTimeout bounds the broker request.
const RequestTimeout = 10 * time.Second

// Payload is the endpoint assignment returned by the broker.
type Payload struct {
	Host       string  `json:"host"`
	Port       flexInt `json:"port"`
	User       string  `json:"user"`
	Key        string  `json:"key"`
	RemotePort flexInt `json:"remote_port"`
	ShareURL   string  `json:"share_url"`
}

func (p Payload) validate() error {
	switch {
	case p.Host == "":
		return errors.New("payload has no host")
	case p.Port <= 0:
		return errors.New("payload has no port")
	case p.ShareURL == "":
		return errors.New("payload has no share_url")
	}
	return nil
}

// flexInt accepts both 22 and "22".
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*n = flexInt(v)
	return nil
}

// BrokerError reports a failed or unusable broker response.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return "tunnel broker: " + e.Op + ": " + e.Err.Error() }
func (e *BrokerError) Unwrap() error { return e.Err }

// IsBrokerError reports whether err came from the broker request.
func IsBrokerError(err error) bool {
	var e *BrokerError
	return errors.As(err, &e)
}

// Error is the single failure type returned by Setup.
type Error struct{ Err error }

func (e *Error) Error() string { return "tunnel setup failed: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// RequestEndpoint fetches an endpoint from the broker. The broker answers
// with a JSON array whose first element is the payload. A nil client uses
// http.DefaultClient.
func RequestEndpoint(ctx context.Context, client *http.Client, brokerURL string) (Payload, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, brokerURL, nil)
	if err != nil {
		return Payload{}, &BrokerError{Op: "request", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Payload{}, &BrokerError{Op: "request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Payload{}, &BrokerError{Op: "request", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	var payloads []Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payloads); err != nil {
		return Payload{}, &BrokerError{Op: "decode", Err: err}
	}
	if len(payloads) == 0 {
		return Payload{}, &BrokerError{Op: "decode", Err: errors.New("empty endpoint list")}
	}
	return payloads[0], nil
}

// Tunnel is an open public route to the local server.
type Tunnel interface {
	URL() string
	Close() error
}

// Dialer opens a tunnel described by p that forwards to localAddr.
type Dialer interface {
	Dial(ctx context.Context, p Payload, localAddr string) (Tunnel, error)
}

// Config configures Setup. Zero fields use defaults: http.DefaultClient and
// an SSHDialer.
type Config struct {
	BrokerURL string
	Client    *http.Client
	Dialer    Dialer
}

// Setup requests an endpoint and opens the tunnel to localHost:localPort.
// Every failure is returned as *Error. Setup does not retry.
func Setup(ctx context.Context, cfg Config, localHost string, localPort int) (Tunnel, error) {
	p, err := RequestEndpoint(ctx, cfg.Client, cfg.BrokerURL)
	if err != nil {
		return nil, &Error{Err: err}
	}
	if err := p.validate(); err != nil {
		return nil, &Error{Err: err}
	}
	d := cfg.Dialer
	if d == nil {
		d = &SSHDialer{}
	}
	t, err := d.Dial(ctx, p, net.JoinHostPort(localHost, strconv.Itoa(localPort)))
	if err != nil {
		return nil, &Error{Err: err}
	}
	return t, nil
}
