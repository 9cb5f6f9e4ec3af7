// Package ports finds free local TCP ports for the demo server.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ExhaustedError reports that no port in [Start, End) could be bound.
type ExhaustedError struct {
	Start, End int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all ports from %d to %d are in use, please close a port", e.Start, e.End)
}

// IsExhausted reports whether err indicates an exhausted port window.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Find returns the lowest port in [start, end) that can be bound on host.
// Each candidate is bound exclusively and released immediately, so the port
// is free at the time of the check but not reserved afterwards.
func Find(host string, start, end int) (int, error) {
	for port := start; port < end; port++ {
		if canBind(host, port) {
			return port, nil
		}
	}
	return 0, &ExhaustedError{Start: start, End: end}
}

func canBind(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// IsBusy reports whether something accepts TCP connections on host:port.
func IsBusy(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
