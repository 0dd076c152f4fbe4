// Package r2 talks to radare2, either as a child process over its
// null-terminated pipe protocol or over its HTTP server, and exposes it as
// a backend.
package r2

import (
	"bufio"
	"context"
	"html"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/backend"
)

// Session executes radare2 commands and returns their textual output.
type Session interface {
	Cmd(cmd string) (string, error)
	Close() error
}

// PipeSession is a radare2 child process started with -q0. Every response
// is terminated by a NUL byte.
type PipeSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// Executable is the radare2 binary OpenPipe starts.
var Executable = "r2"

// OpenPipe starts radare2 on path.
func OpenPipe(path string) (*PipeSession, error) {
	cmd := exec.Command(Executable, "-q0", path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", Executable)
	}
	s := &PipeSession{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}
	// radare2 signals readiness with an empty response.
	if _, err := s.read(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	return s, nil
}

func (s *PipeSession) read() (string, error) {
	out, err := s.stdout.ReadString(0)
	if err != nil {
		return "", backend.Transient(errors.Wrap(err, "read response"))
	}
	return strings.TrimSuffix(out, "\x00"), nil
}

// Cmd runs one command.
func (s *PipeSession) Cmd(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Debugf("$ %s", cmd)
	if _, err := io.WriteString(s.stdin, cmd+"\n"); err != nil {
		return "", backend.Transient(errors.Wrapf(err, "write %q", cmd))
	}
	return s.read()
}

// Close terminates the child process.
func (s *PipeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

// HTTPSession talks to a radare2 HTTP server (r2 -c=H).
type HTTPSession struct {
	host   string
	client *http.Client
}

// OpenHTTP returns a session for the server at host, such as
// "http://localhost:9090".
func OpenHTTP(host string) *HTTPSession {
	return &HTTPSession{
		host:   strings.TrimSuffix(host, "/"),
		client: &http.Client{Timeout: time.Minute},
	}
}

// Cmd runs one command. The response is HTML-unescaped.
func (s *HTTPSession) Cmd(cmd string) (string, error) {
	log.Debugf("$ %s", cmd)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, s.host+"/cmd/"+url.PathEscape(cmd), nil)
	if err != nil {
		return "", errors.Wrapf(err, "request %q", cmd)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", backend.Transient(errors.Wrapf(err, "GET %q", cmd))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", backend.Transient(errors.Wrapf(err, "read %q", cmd))
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("%q: %s", cmd, resp.Status)
	}
	return html.UnescapeString(string(body)), nil
}

func (s *HTTPSession) Close() error { return nil }

// Open returns an HTTP session when target is an http(s) URL and a pipe
// session on the file otherwise.
func Open(target string) (Session, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return OpenHTTP(target), nil
	}
	s, err := OpenPipe(target)
	if err != nil {
		return nil, err
	}
	return s, nil
}
