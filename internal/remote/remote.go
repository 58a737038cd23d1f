// Package remote implements component A: opening, accepting on, dialing
// out over, and closing the transports named by a remote's connection
// string, plus the backoff policy applied to transient accept failures.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/dantte-lp/ovsdb-server/internal/rpcconn"
)

// ErrUnsupportedAddressFamily is returned by Open/Dial for a Kind this
// build cannot service (e.g. ssl/pssl without a configured TLS
// certificate; spec.md §4.A error kinds).
var ErrUnsupportedAddressFamily = errors.New("remote: unsupported address family")

const (
	acceptRetryInitial = 10 * time.Millisecond
	acceptRetryMax     = time.Second
)

// TLSConfig resolves the *tls.Config to use for ssl/pssl remotes. A nil
// TLSConfig makes every ssl/pssl remote fail with
// ErrUnsupportedAddressFamily, matching ovsdb-server's refusal to open an
// SSL remote before a certificate is configured.
type TLSConfig func() (*tls.Config, error)

// Remote owns one named remote's transport: a listener for a passive
// kind, or a dialer for an active kind (spec.md §3 Remote, §4.A).
type Remote struct {
	Name   string
	Config Config

	maxSessions int
	tlsConfig   TLSConfig
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	dscp     byte
}

// New creates a Remote from a parsed Config. maxSessions bounds
// concurrently accepted connections on a passive remote (0 = unbounded).
func New(name string, cfg Config, maxSessions int, tlsConfig TLSConfig, logger *slog.Logger) *Remote {
	return &Remote{
		Name:        name,
		Config:      cfg,
		maxSessions: maxSessions,
		tlsConfig:   tlsConfig,
		logger:      logger.With(slog.String("remote", name)),
	}
}

// Open starts a passive remote's listener and accept loop, calling
// onAccept for every accepted connection until ctx is canceled or Close
// is called. Accept errors are retried with exponential backoff
// (spec.md §4.A "acceptRetry"); persistent listen failures are returned
// immediately as listenFailed.
func (r *Remote) Open(ctx context.Context, onAccept func(net.Conn)) error {
	if !r.Config.Kind.Passive() {
		return fmt.Errorf("remote: %s: Open called on a non-passive remote", r.Name)
	}

	ln, err := r.listen()
	if err != nil {
		return fmt.Errorf("remote: %s: listenFailed: %w", r.Name, err)
	}
	if r.maxSessions > 0 {
		ln = netutil.LimitListener(ln, r.maxSessions)
	}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	go r.acceptLoop(ctx, ln, onAccept)
	return nil
}

func (r *Remote) listen() (net.Listener, error) {
	switch r.Config.Kind {
	case KindPUnix:
		return net.Listen("unix", r.Config.Path)
	case KindPTCP:
		addr := net.JoinHostPort(r.Config.IP, strconv.Itoa(int(r.Config.Port)))
		return net.Listen("tcp", addr)
	case KindPSSL:
		if r.tlsConfig == nil {
			return nil, ErrUnsupportedAddressFamily
		}
		cfg, err := r.tlsConfig()
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(r.Config.IP, strconv.Itoa(int(r.Config.Port)))
		return tls.Listen("tcp", addr, cfg)
	default:
		return nil, ErrUnsupportedAddressFamily
	}
}

func (r *Remote) acceptLoop(ctx context.Context, ln net.Listener, onAccept func(net.Conn)) {
	backoff := acceptRetryInitial
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("acceptRetry", slog.String("err", err.Error()), slog.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > acceptRetryMax {
				backoff = acceptRetryMax
			}
			continue
		}
		backoff = acceptRetryInitial
		r.applyDscp(conn)
		onAccept(conn)
	}
}

// Dial returns an rpcconn.Dialer for an active remote (tcp/unix/ssl),
// suitable for driving a single long-lived reconnecting Session
// (spec.md §4.C).
func (r *Remote) Dial() (rpcconn.Dialer, error) {
	if r.Config.Kind.Passive() {
		return nil, fmt.Errorf("remote: %s: Dial called on a passive remote", r.Name)
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var dialer net.Dialer
		var conn net.Conn
		var err error

		switch r.Config.Kind {
		case KindUnix:
			conn, err = dialer.DialContext(ctx, "unix", r.Config.Path)
		case KindTCP:
			addr := net.JoinHostPort(r.Config.IP, strconv.Itoa(int(r.Config.Port)))
			conn, err = dialer.DialContext(ctx, "tcp", addr)
		case KindSSL:
			if r.tlsConfig == nil {
				return nil, ErrUnsupportedAddressFamily
			}
			cfg, cfgErr := r.tlsConfig()
			if cfgErr != nil {
				return nil, cfgErr
			}
			addr := net.JoinHostPort(r.Config.IP, strconv.Itoa(int(r.Config.Port)))
			tlsDialer := tls.Dialer{NetDialer: &dialer, Config: cfg}
			conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
		default:
			return nil, ErrUnsupportedAddressFamily
		}
		if err != nil {
			return nil, err
		}
		r.applyDscp(conn)
		return conn, nil
	}, nil
}

// SetDscp sets the DSCP/TOS value applied to every connection this
// remote accepts or dials from now on (spec.md §6 "remote DSCP option").
// Already-open connections are unaffected — matching ovsdb-server, which
// only stamps sockets at accept/connect time.
func (r *Remote) SetDscp(dscp byte) {
	r.mu.Lock()
	r.dscp = dscp
	r.mu.Unlock()
}

func (r *Remote) applyDscp(conn net.Conn) {
	r.mu.Lock()
	dscp := r.dscp
	r.mu.Unlock()
	if dscp == 0 {
		return
	}
	setDscp(conn, dscp, r.logger)
}

// Close stops accepting on this remote's listener, if any.
func (r *Remote) Close() error {
	r.mu.Lock()
	ln := r.listener
	r.listener = nil
	r.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
