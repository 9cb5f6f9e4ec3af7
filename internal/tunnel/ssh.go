package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHDialer opens a reverse port forward on the broker's SSH host. Each
// connection accepted on the remote port is copied to the local server.
type SSHDialer struct {
	// Timeout bounds connect and handshake when ctx has no deadline.
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (d *SSHDialer) Dial(ctx context.Context, p Payload, localAddr string) (Tunnel, error) {
	signer, err := ssh.ParsePrivateKey([]byte(p.Key))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	cfg := &ssh.ClientConfig{
		User: p.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// broker hosts rotate; the key is handed out per request
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	remote := net.JoinHostPort("0.0.0.0", strconv.Itoa(int(p.RemotePort)))
	ln, err := client.Listen("tcp", remote)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("remote listen %s: %w", remote, err)
	}
	_ = conn.SetDeadline(time.Time{})

	t := &sshTunnel{url: p.ShareURL, client: client, ln: ln, local: localAddr, log: d.Logger}
	go t.accept()
	d.Logger.Info().Str("url", p.ShareURL).Str("host", addr).Msg("tunnel open")
	return t, nil
}

type sshTunnel struct {
	url    string
	client *ssh.Client
	ln     net.Listener
	local  string
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	once   sync.Once
	err    error
	wg     sync.WaitGroup
}

func (t *sshTunnel) URL() string { return t.url }

func (t *sshTunnel) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		_ = t.ln.Close()
		t.err = t.client.Close()
		t.wg.Wait()
	})
	return t.err
}

func (t *sshTunnel) accept() {
	for {
		rc, err := t.ln.Accept()
		if err != nil {
			if err != io.EOF {
				t.log.Debug().Err(err).Msg("tunnel accept stopped")
			}
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			rc.Close()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()
		go func() {
			defer t.wg.Done()
			t.forward(rc)
		}()
	}
}

// forward copies between a tunneled connection and the local server until
// either side finishes.
func (t *sshTunnel) forward(rc net.Conn) {
	defer rc.Close()
	lc, err := net.DialTimeout("tcp", t.local, 5*time.Second)
	if err != nil {
		t.log.Warn().Err(err).Str("local", t.local).Msg("tunnel forward failed")
		return
	}
	defer lc.Close()
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(lc, rc); done <- struct{}{} }()
	go func() { _, _ = io.Copy(rc, lc); done <- struct{}{} }()
	<-done
}
