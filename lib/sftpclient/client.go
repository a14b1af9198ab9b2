// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package sftpclient implements a stateful SFTP data client with
// sandboxed path resolution, a coherent remote-attribute cache, and
// transparent session re-establishment after disconnects.
//
// One Client owns one authenticated SSH connection and one SFTP
// channel. A Client is not safe for concurrent operations; callers
// needing parallel transfers should use one Client per goroutine.
package sftpclient

import (
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/agaveplatform/agave-go/sdk/go/config"
	"github.com/agaveplatform/agave-go/sdk/go/ctxlog"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Config collects everything needed to reach a remote host. Either
// Password or the PublicKey/PrivateKey pair must be set; when both
// keys are supplied, key authentication is preferred and Password is
// used as a fallback (and to answer keyboard-interactive prompts).
//
// RootDir is the sandbox boundary: no operation can resolve a path
// above it. HomeDir, relative to RootDir, anchors relative paths.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PublicKey  string
	PrivateKey string
	Passphrase string

	// Optional jump host. When set, the primary connection and
	// authentication happen against the proxy, and a second,
	// independently authenticated connection to Host is tunneled
	// through it.
	ProxyHost string
	ProxyPort int

	RootDir string
	HomeDir string

	// ConnectTimeout bounds TCP dial and SSH handshake;
	// ReadTimeout bounds each blocking read/write on the wire.
	ConnectTimeout config.Duration
	ReadTimeout    config.Duration
}

const (
	defaultPort           = 22
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 30 * time.Second
)

func (cfg Config) addr() string {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
}

func (cfg Config) proxyAddr() string {
	return net.JoinHostPort(cfg.ProxyHost, fmt.Sprintf("%d", cfg.ProxyPort))
}

func (cfg Config) useTunnel() bool {
	return cfg.ProxyHost != ""
}

func (cfg Config) connectTimeout() time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout.Duration()
	}
	return defaultConnectTimeout
}

func (cfg Config) readTimeout() time.Duration {
	if cfg.ReadTimeout > 0 {
		return cfg.ReadTimeout.Duration()
	}
	return defaultReadTimeout
}

// A Client performs file operations against one remote host over one
// authenticated session. The zero value is not usable; call New.
type Client struct {
	cfg     Config
	rootDir string // absolute, trailing "/"
	homeDir string // absolute, under rootDir, trailing "/"
	logger  logrus.FieldLogger
	metrics *clientMetrics
	cache   *statCache

	proxy *ssh.Client // connection to the jump host, if any
	conn  *ssh.Client // authenticated connection to the target
	sftp  *sftp.Client
	sock  net.Conn // raw socket under the primary connection
}

// New returns an unconnected Client for the given remote. The first
// operation (or an explicit Authenticate call) establishes the
// session.
func New(cfg Config) *Client {
	root := path.Clean("/" + cfg.RootDir)
	if root != "/" {
		root += "/"
	}
	home := path.Clean(root + strings.TrimPrefix(cfg.HomeDir, "/"))
	if home != "/" {
		home += "/"
	}
	return &Client{
		cfg:     cfg,
		rootDir: root,
		homeDir: home,
		logger: ctxlog.FromContext(nil).WithFields(logrus.Fields{
			"host": cfg.Host,
			"user": cfg.Username,
		}),
		metrics: newClientMetrics(),
		cache:   newStatCache(),
	}
}

// GetRootDir returns the configured sandbox root.
func (c *Client) GetRootDir() string { return c.rootDir }

// GetHomeDir returns the directory relative paths resolve against.
func (c *Client) GetHomeDir() string { return c.homeDir }

// Authenticate establishes the SSH session and SFTP channel. It is a
// no-op when the session is already up. On any failure every
// partially opened handle is closed before the error is returned, so
// a later call starts from a clean slate.
func (c *Client) Authenticate() error {
	if c.sftp != nil {
		if _, err := c.sftp.Getwd(); err == nil {
			return nil
		}
		// session died underneath us
		c.Disconnect()
	}
	// starting a fresh session; anything cached belongs to the old one
	c.cache.clear()

	methods, err := c.authMethods()
	if err != nil {
		return err
	}
	sshConfig := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.connectTimeout(),
	}

	primaryAddr := c.cfg.addr()
	if c.cfg.useTunnel() {
		primaryAddr = c.cfg.proxyAddr()
	}
	sock, err := net.DialTimeout("tcp", primaryAddr, c.cfg.connectTimeout())
	if err != nil {
		c.logger.WithError(err).Error("socket connection failed")
		return &ConnectionError{Op: "connect", Err: err}
	}
	tsock := &deadlineConn{Conn: sock, timeout: c.cfg.readTimeout()}

	sshConn, chans, reqs, err := ssh.NewClientConn(tsock, primaryAddr, sshConfig)
	if err != nil {
		sock.Close()
		if isAuthFailure(err) {
			c.logger.WithError(err).Error("authentication failed")
			return &AuthError{Err: err}
		}
		c.logger.WithError(err).Error("ssh handshake failed")
		return &ConnectionError{Op: "handshake", Err: err}
	}
	primary := ssh.NewClient(sshConn, chans, reqs)

	target := primary
	var proxy *ssh.Client
	if c.cfg.useTunnel() {
		proxy = primary
		target, err = c.tunnelTo(proxy, sshConfig)
		if err != nil {
			c.closeHandles(nil, proxy, nil, sock)
			return err
		}
	}

	sftpc, err := sftp.NewClient(target)
	if err != nil {
		c.closeHandles(nil, proxy, target, sock)
		c.logger.WithError(err).Error("opening sftp channel failed")
		return &ConnectionError{Op: "sftp", Err: err}
	}

	c.proxy = proxy
	c.conn = target
	c.sftp = sftpc
	c.sock = sock
	c.metrics.connects.Inc()
	c.logger.Debug("session established")
	return nil
}

// tunnelTo dials the target through an authenticated proxy connection
// and runs a second, independent authentication against the target.
func (c *Client) tunnelTo(proxy *ssh.Client, sshConfig *ssh.ClientConfig) (*ssh.Client, error) {
	fwd, err := proxy.Dial("tcp", c.cfg.addr())
	if err != nil {
		c.logger.WithError(err).Error("tunnel dial through proxy failed")
		return nil, &ConnectionError{Op: "tunnel", Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(fwd, c.cfg.addr(), sshConfig)
	if err != nil {
		fwd.Close()
		if isAuthFailure(err) {
			c.logger.WithError(err).Error("tunnel authentication failed")
			return nil, &AuthError{Err: err}
		}
		c.logger.WithError(err).Error("tunnel handshake failed")
		return nil, &ConnectionError{Op: "tunnel", Err: err}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods builds the ordered list of authentication methods:
// keypair first when both keys are configured, then password, then
// keyboard-interactive answering password-shaped prompts -- servers
// that upgrade to a challenge/response flow get the same password,
// but plain password is always offered ahead of it.
func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.cfg.PrivateKey != "" && c.cfg.PublicKey != "" {
		var signer ssh.Signer
		var err error
		if c.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.cfg.PrivateKey), []byte(c.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.cfg.PrivateKey))
		}
		if err != nil {
			c.logger.WithError(err).Error("unable to parse private key")
			return nil, &AuthError{Err: fmt.Errorf("parsing private key: %w", err)}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		methods = append(methods, ssh.Password(c.cfg.Password))
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = c.cfg.Password
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, &AuthError{Err: fmt.Errorf("no credentials configured for %s@%s", c.cfg.Username, c.cfg.Host)}
	}
	return methods, nil
}

// client returns the live SFTP channel, authenticating first if the
// session is down.
func (c *Client) client() (*sftp.Client, error) {
	if c.sftp == nil {
		if err := c.Authenticate(); err != nil {
			return nil, err
		}
	}
	return c.sftp, nil
}

// fail classifies err and, when it indicates a dead session, tears
// the session down so the next operation reconnects.
func (c *Client) fail(op, path string, err error) error {
	err = classify(op, path, err)
	if IsRetryable(err) {
		c.logger.WithError(err).Warn("session lost; will reconnect on next operation")
		c.Disconnect()
	}
	return err
}

// Disconnect tears down the session. It is always safe to call:
// errors from an already-dead session are logged and swallowed, and
// all handles are cleared so the next operation re-authenticates.
func (c *Client) Disconnect() {
	c.closeHandles(c.sftp, c.proxy, c.conn, c.sock)
	c.sftp = nil
	c.conn = nil
	c.proxy = nil
	c.sock = nil
}

func (c *Client) closeHandles(sftpc *sftp.Client, proxy, conn *ssh.Client, sock net.Conn) {
	if sftpc != nil {
		if err := sftpc.Close(); err != nil {
			c.logger.WithError(err).Warn("sftp channel close failed")
		}
	}
	if conn != nil && conn != proxy {
		if err := conn.Close(); err != nil {
			c.logger.WithError(err).Warn("ssh connection close failed")
		}
	}
	if proxy != nil {
		if err := proxy.Close(); err != nil {
			c.logger.WithError(err).Warn("proxy connection close failed")
		}
	}
	if sock != nil {
		if err := sock.Close(); err != nil && !strings.Contains(err.Error(), "use of closed") {
			c.logger.WithError(err).Warn("socket close failed")
		}
	}
}

// deadlineConn applies a rolling read/write deadline so a hung remote
// surfaces as a timeout instead of blocking forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (dc *deadlineConn) Read(p []byte) (int, error) {
	if dc.timeout > 0 {
		dc.Conn.SetReadDeadline(time.Now().Add(dc.timeout))
	}
	return dc.Conn.Read(p)
}

func (dc *deadlineConn) Write(p []byte) (int, error) {
	if dc.timeout > 0 {
		dc.Conn.SetWriteDeadline(time.Now().Add(dc.timeout))
	}
	return dc.Conn.Write(p)
}
