// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClientSuite{})

// ClientSuite runs the full operation surface against an in-process
// SSH server whose sftp subsystem serves a per-test temp directory.
type ClientSuite struct {
	srv    *testSSHServer
	root   string
	client *Client
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.srv = newTestSSHServer(c)
	s.root = c.MkDir()
	c.Assert(os.MkdirAll(filepath.Join(s.root, "home"), 0o755), check.IsNil)
	s.client = s.newClient(c, testPassword)
}

func (s *ClientSuite) newClient(c *check.C, password string) *Client {
	host, portStr, err := net.SplitHostPort(s.srv.Address())
	c.Assert(err, check.IsNil)
	port, err := strconv.Atoi(portStr)
	c.Assert(err, check.IsNil)
	return New(Config{
		Host:     host,
		Port:     port,
		Username: testUser,
		Password: password,
		RootDir:  s.root,
		HomeDir:  "home",
	})
}

// clientFor builds a client against an arbitrary test server, with
// the suite's defaults applied first so a test only overrides what it
// is about.
func (s *ClientSuite) clientFor(c *check.C, srv *testSSHServer, mutate func(*Config)) *Client {
	host, portStr, err := net.SplitHostPort(srv.Address())
	c.Assert(err, check.IsNil)
	port, err := strconv.Atoi(portStr)
	c.Assert(err, check.IsNil)
	cfg := Config{
		Host:     host,
		Port:     port,
		Username: testUser,
		Password: testPassword,
		RootDir:  s.root,
		HomeDir:  "home",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	s.client.Disconnect()
	s.srv.Close()
}

// localFile writes a scratch file and returns its path.
func (s *ClientSuite) localFile(c *check.C, name, content string) string {
	dir := c.MkDir()
	path := filepath.Join(dir, name)
	c.Assert(os.WriteFile(path, []byte(content), 0o644), check.IsNil)
	return path
}

// remotePath maps a home-relative remote name to where it lands on
// the local disk backing the test server.
func (s *ClientSuite) remotePath(name string) string {
	return filepath.Join(s.root, "home", name)
}

func (s *ClientSuite) TestAuthenticateIdempotent(c *check.C) {
	c.Assert(s.client.Authenticate(), check.IsNil)
	c.Assert(s.client.Authenticate(), check.IsNil)
}

func (s *ClientSuite) TestAuthenticateBadPassword(c *check.C) {
	client := s.newClient(c, "wrong")
	err := client.Authenticate()
	c.Assert(err, check.NotNil)
	var ae *AuthError
	c.Check(errors.As(err, &ae), check.Equals, true)
}

func (s *ClientSuite) TestKeyboardInteractiveAuthentication(c *check.C) {
	// server offers only challenge/response; the configured password
	// must be served through the keyboard-interactive method
	srv := newTestSSHServerAuth(c, keyboardInteractiveAuth())
	defer srv.Close()
	client := s.clientFor(c, srv, nil)
	defer client.Disconnect()

	c.Assert(client.Authenticate(), check.IsNil)
	ok, err := client.DoesExist("")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func testKeypair(c *check.C) (ssh.PublicKey, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	sshPub, err := ssh.NewPublicKey(pub)
	c.Assert(err, check.IsNil)
	return sshPub, priv
}

func (s *ClientSuite) TestPublicKeyAuthentication(c *check.C) {
	sshPub, priv := testKeypair(c)
	block, err := ssh.MarshalPrivateKey(priv, "")
	c.Assert(err, check.IsNil)

	srv := newTestSSHServerAuth(c, publicKeyAuth(sshPub))
	defer srv.Close()
	client := s.clientFor(c, srv, func(cfg *Config) {
		cfg.Password = ""
		cfg.PublicKey = string(ssh.MarshalAuthorizedKey(sshPub))
		cfg.PrivateKey = string(pem.EncodeToMemory(block))
	})
	defer client.Disconnect()

	c.Assert(client.Authenticate(), check.IsNil)
	ok, err := client.DoesExist("")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *ClientSuite) TestPublicKeyAuthenticationWithPassphrase(c *check.C) {
	sshPub, priv := testKeypair(c)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("opensesame"))
	c.Assert(err, check.IsNil)

	srv := newTestSSHServerAuth(c, publicKeyAuth(sshPub))
	defer srv.Close()
	client := s.clientFor(c, srv, func(cfg *Config) {
		cfg.Password = ""
		cfg.PublicKey = string(ssh.MarshalAuthorizedKey(sshPub))
		cfg.PrivateKey = string(pem.EncodeToMemory(block))
		cfg.Passphrase = "opensesame"
	})
	defer client.Disconnect()

	c.Assert(client.Authenticate(), check.IsNil)
	ok, err := client.DoesExist("")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *ClientSuite) TestPublicKeyAuthenticationBadPassphrase(c *check.C) {
	sshPub, priv := testKeypair(c)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("opensesame"))
	c.Assert(err, check.IsNil)

	srv := newTestSSHServerAuth(c, publicKeyAuth(sshPub))
	defer srv.Close()
	client := s.clientFor(c, srv, func(cfg *Config) {
		cfg.Password = ""
		cfg.PublicKey = string(ssh.MarshalAuthorizedKey(sshPub))
		cfg.PrivateKey = string(pem.EncodeToMemory(block))
		cfg.Passphrase = "wrong"
	})

	err = client.Authenticate()
	c.Assert(err, check.NotNil)
	var ae *AuthError
	c.Check(errors.As(err, &ae), check.Equals, true)
}

func (s *ClientSuite) TestProxyTunnel(c *check.C) {
	// jump host and target are separate servers; the session to the
	// target is authenticated independently through the tunnel
	proxy := newTestSSHServerAuth(c, passwordAuth())
	defer proxy.Close()
	phost, pportStr, err := net.SplitHostPort(proxy.Address())
	c.Assert(err, check.IsNil)
	pport, err := strconv.Atoi(pportStr)
	c.Assert(err, check.IsNil)

	client := s.clientFor(c, s.srv, func(cfg *Config) {
		cfg.ProxyHost = phost
		cfg.ProxyPort = pport
	})
	defer client.Disconnect()

	c.Assert(client.Authenticate(), check.IsNil)
	c.Assert(os.WriteFile(s.remotePath("via-proxy.txt"), []byte("x"), 0o644), check.IsNil)
	ok, err := client.DoesExist("via-proxy.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *ClientSuite) TestPutGetRoundtrip(c *check.C) {
	local := s.localFile(c, "data.txt", "hello agave")
	c.Assert(s.client.Put(local, "data.txt", nil), check.IsNil)

	got, err := os.ReadFile(s.remotePath("data.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "hello agave")

	dest := filepath.Join(c.MkDir(), "fetched.txt")
	c.Assert(s.client.Get("data.txt", dest, nil), check.IsNil)
	got, err = os.ReadFile(dest)
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "hello agave")
}

func (s *ClientSuite) TestPutIntoExistingDirectory(c *check.C) {
	local := s.localFile(c, "data.txt", "x")
	_, err := s.client.Mkdir("inbox")
	c.Assert(err, check.IsNil)
	c.Assert(s.client.Put(local, "inbox", nil), check.IsNil)
	_, err = os.Stat(s.remotePath("inbox/data.txt"))
	c.Check(err, check.IsNil)
}

func (s *ClientSuite) TestPutMissingParent(c *check.C) {
	local := s.localFile(c, "data.txt", "x")
	err := s.client.Put(local, "no/such/dir/data.txt", nil)
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestPutDirectoryTree(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.MkdirAll(filepath.Join(dir, "sub"), 0o755), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644), check.IsNil)

	c.Assert(s.client.Put(dir, "tree", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("tree/sub/b.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "b")
}

func (s *ClientSuite) TestGetDirectoryTree(c *check.C) {
	c.Assert(os.MkdirAll(s.remotePath("tree/sub"), 0o755), check.IsNil)
	c.Assert(os.WriteFile(s.remotePath("tree/sub/b.txt"), []byte("b"), 0o644), check.IsNil)

	dest := c.MkDir()
	c.Assert(s.client.Get("tree", dest, nil), check.IsNil)
	got, err := os.ReadFile(filepath.Join(dest, "tree", "sub", "b.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "b")
}

func (s *ClientSuite) TestGetMissing(c *check.C) {
	err := s.client.Get("missing.txt", filepath.Join(c.MkDir(), "out"), nil)
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestDoesExist(c *check.C) {
	ok, err := s.client.DoesExist("nope.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	c.Assert(os.WriteFile(s.remotePath("yes.txt"), []byte("y"), 0o644), check.IsNil)
	ok, err = s.client.DoesExist("yes.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	// sandbox escapes look exactly like missing paths
	ok, err = s.client.DoesExist("../../../../etc/passwd")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *ClientSuite) TestStatAndPredicates(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("f.txt"), []byte("12345"), 0o644), check.IsNil)
	c.Assert(os.Mkdir(s.remotePath("d"), 0o755), check.IsNil)

	n, err := s.client.Length("f.txt")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(5))

	isDir, err := s.client.IsDirectory("d")
	c.Check(err, check.IsNil)
	c.Check(isDir, check.Equals, true)

	isFile, err := s.client.IsFile("f.txt")
	c.Check(err, check.IsNil)
	c.Check(isFile, check.Equals, true)

	_, err = s.client.Stat("missing")
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestStatFollowsSymlink(c *check.C) {
	c.Assert(os.Mkdir(s.remotePath("target"), 0o755), check.IsNil)
	c.Assert(os.Symlink(s.remotePath("target"), s.remotePath("link")), check.IsNil)

	isDir, err := s.client.IsDirectory("link")
	c.Check(err, check.IsNil)
	c.Check(isDir, check.Equals, true)
}

func (s *ClientSuite) TestStatFollowsOnlyOneSymlinkLevel(c *check.C) {
	c.Assert(os.Mkdir(s.remotePath("target"), 0o755), check.IsNil)
	c.Assert(os.Symlink(s.remotePath("target"), s.remotePath("link1")), check.IsNil)
	c.Assert(os.Symlink(s.remotePath("link1"), s.remotePath("link2")), check.IsNil)

	// one hop lands on another link, which stays a link
	fi, err := s.client.Stat("link2")
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode()&os.ModeSymlink != 0, check.Equals, true)
	c.Check(fi.IsDir(), check.Equals, false)
}

func (s *ClientSuite) TestListSorted(c *check.C) {
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		c.Assert(os.WriteFile(s.remotePath(name), []byte("x"), 0o644), check.IsNil)
	}
	entries, err := s.client.List("")
	c.Assert(err, check.IsNil)
	c.Assert(entries, check.HasLen, 3)
	c.Check(entries[0].Name(), check.Equals, "a.txt")
	c.Check(entries[1].Name(), check.Equals, "b.txt")
	c.Check(entries[2].Name(), check.Equals, "c.txt")

	_, err = s.client.List("missing")
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestListFile(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("one.txt"), []byte("x"), 0o644), check.IsNil)
	entries, err := s.client.List("one.txt")
	c.Assert(err, check.IsNil)
	c.Assert(entries, check.HasLen, 1)
	c.Check(entries[0].Name(), check.Equals, "one.txt")
}

func (s *ClientSuite) TestMkdir(c *check.C) {
	created, err := s.client.Mkdir("newdir")
	c.Check(err, check.IsNil)
	c.Check(created, check.Equals, true)

	created, err = s.client.Mkdir("newdir")
	c.Check(err, check.IsNil)
	c.Check(created, check.Equals, false)

	_, err = s.client.Mkdir("no/such/parent/dir")
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestMkdirs(c *check.C) {
	created, err := s.client.Mkdirs("a/b/c")
	c.Check(err, check.IsNil)
	c.Check(created, check.Equals, true)
	fi, err := os.Stat(s.remotePath("a/b/c"))
	c.Assert(err, check.IsNil)
	c.Check(fi.IsDir(), check.Equals, true)

	created, err = s.client.Mkdirs("a/b/c")
	c.Check(err, check.IsNil)
	c.Check(created, check.Equals, false)
}

func (s *ClientSuite) TestDeleteInvalidatesSubtree(c *check.C) {
	c.Assert(os.MkdirAll(s.remotePath("tree/sub"), 0o755), check.IsNil)
	c.Assert(os.WriteFile(s.remotePath("tree/sub/b.txt"), []byte("b"), 0o644), check.IsNil)

	// warm the cache with entries under the tree
	_, err := s.client.Stat("tree/sub/b.txt")
	c.Assert(err, check.IsNil)
	c.Assert(s.client.cache.len() > 0, check.Equals, true)

	c.Assert(s.client.Delete("tree"), check.IsNil)
	_, err = os.Stat(s.remotePath("tree"))
	c.Check(os.IsNotExist(err), check.Equals, true)

	// post-delete probes must consult the remote, not the cache
	ok, err := s.client.DoesExist("tree/sub/b.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *ClientSuite) TestDeleteMissing(c *check.C) {
	err := s.client.Delete("missing")
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestRename(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("old.txt"), []byte("x"), 0o644), check.IsNil)
	c.Assert(s.client.Rename("old.txt", "new.txt"), check.IsNil)

	ok, err := s.client.DoesExist("old.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	ok, err = s.client.DoesExist("new.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *ClientSuite) TestRenameOntoExisting(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("a.txt"), []byte("a"), 0o644), check.IsNil)
	c.Assert(os.WriteFile(s.remotePath("b.txt"), []byte("b"), 0o644), check.IsNil)
	err := s.client.Rename("a.txt", "b.txt")
	var de *DataError
	c.Check(errors.As(err, &de), check.Equals, true)
}

func (s *ClientSuite) TestRenameMissing(c *check.C) {
	err := s.client.Rename("missing.txt", "dest.txt")
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestAppendCreatesWhenMissing(c *check.C) {
	local := s.localFile(c, "part.txt", "first")
	c.Assert(s.client.Append(local, "log.txt", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("log.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "first")
}

func (s *ClientSuite) TestAppendExtendsExisting(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("log.txt"), []byte("first"), 0o644), check.IsNil)
	local := s.localFile(c, "part.txt", "+second")
	c.Assert(s.client.Append(local, "log.txt", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("log.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "first+second")
}

func (s *ClientSuite) TestSyncSkipsCurrentFile(c *check.C) {
	local := s.localFile(c, "data.txt", "same-size")
	c.Assert(s.client.Put(local, "data.txt", nil), check.IsNil)

	listener := &recordingListener{}
	c.Assert(s.client.SyncToRemote(local, "data.txt", listener), check.IsNil)
	c.Check(listener.skipped, check.Equals, 1)
	c.Check(listener.started, check.Equals, 0)

	// grow the local copy; the next sync must transfer
	c.Assert(os.WriteFile(local, []byte("same-size-plus-more"), 0o644), check.IsNil)
	listener = &recordingListener{}
	c.Assert(s.client.SyncToRemote(local, "data.txt", listener), check.IsNil)
	c.Check(listener.skipped, check.Equals, 0)
	c.Check(listener.started, check.Equals, 1)
	c.Check(listener.completed, check.Equals, 1)

	got, err := os.ReadFile(s.remotePath("data.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "same-size-plus-more")
}

func (s *ClientSuite) TestSyncReplacesTypeMismatch(c *check.C) {
	c.Assert(os.Mkdir(s.remotePath("thing"), 0o755), check.IsNil)
	local := s.localFile(c, "thing", "now a file")
	c.Assert(s.client.SyncToRemote(local, "thing", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("thing"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "now a file")
}

func (s *ClientSuite) TestSyncDirectoryIsIdempotent(c *check.C) {
	dir := filepath.Join(c.MkDir(), "bundle")
	c.Assert(os.MkdirAll(filepath.Join(dir, "sub"), 0o755), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644), check.IsNil)

	c.Assert(s.client.SyncToRemote(dir, "", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("bundle/sub/b.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "b")

	// second sync moves nothing
	listener := &recordingListener{}
	c.Assert(s.client.SyncToRemote(dir, "", listener), check.IsNil)
	c.Check(listener.started, check.Equals, 0)
	c.Check(listener.skipped, check.Equals, 2)
}

func (s *ClientSuite) TestCopyFile(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("src.txt"), []byte("payload"), 0o644), check.IsNil)
	c.Assert(s.client.Copy("src.txt", "dest.txt", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("dest.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "payload")
}

func (s *ClientSuite) TestCopyDirectory(c *check.C) {
	c.Assert(os.MkdirAll(s.remotePath("srcdir/sub"), 0o755), check.IsNil)
	c.Assert(os.WriteFile(s.remotePath("srcdir/sub/b.txt"), []byte("b"), 0o644), check.IsNil)
	c.Assert(os.Mkdir(s.remotePath("destdir"), 0o755), check.IsNil)

	c.Assert(s.client.Copy("srcdir", "destdir", nil), check.IsNil)
	got, err := os.ReadFile(s.remotePath("destdir/sub/b.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "b")
}

func (s *ClientSuite) TestCopyMissingSource(c *check.C) {
	err := s.client.Copy("missing.txt", "dest.txt", nil)
	c.Check(IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestReconnectAfterDisconnect(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("f.txt"), []byte("x"), 0o644), check.IsNil)
	ok, err := s.client.DoesExist("f.txt")
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)

	s.client.Disconnect()

	// next operation re-authenticates transparently
	ok, err = s.client.DoesExist("f.txt")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *ClientSuite) TestDisconnectClearsCache(c *check.C) {
	c.Assert(os.WriteFile(s.remotePath("f.txt"), []byte("x"), 0o644), check.IsNil)
	_, err := s.client.Stat("f.txt")
	c.Assert(err, check.IsNil)
	c.Assert(s.client.cache.len() > 0, check.Equals, true)

	s.client.Disconnect()
	c.Assert(s.client.Authenticate(), check.IsNil)
	c.Check(s.client.cache.len(), check.Equals, 0)
}

// recordingListener counts callbacks so tests can assert on transfer
// accounting.
type recordingListener struct {
	started   int
	skipped   int
	completed int
	failed    int
	progress  int64
}

func (l *recordingListener) Started(totalBytes int64, remotePath string) { l.started++ }
func (l *recordingListener) Progressed(transferredBytes int64)           { l.progress = transferredBytes }
func (l *recordingListener) Skipped(totalBytes int64, remotePath string) { l.skipped++ }
func (l *recordingListener) Completed()                                  { l.completed++ }
func (l *recordingListener) Failed(err error)                            { l.failed++ }
