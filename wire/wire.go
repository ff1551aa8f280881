// Package wire is the line-oriented connection layer shared by the NNTP
// and IMAP engines: CRLF framing, dot-stuffed multi-line blocks, STARTTLS
// stream replacement, and optional deflate compression. Grounded on
// spilled-ink-spilld's smtp/smtpserver.session (bufio.Reader/Writer pair
// swapped in place on STARTTLS) and imap/imapserver.Conn (line-based
// tagged-response writer).
package wire

import (
	"bufio"
	"compress/zlib"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"crawshaw.io/iox"
)

// ErrLineTooLong is returned by ReadLine when a peer sends a line longer
// than MaxLineLength without a terminating LF.
var ErrLineTooLong = errors.New("wire: line too long")

// MaxLineLength bounds a single command/response line, matching the other
// engines' practice of refusing unbounded buffering from an unauthenticated
// peer.
const MaxLineLength = 1 << 16

// Conn wraps a net.Conn with the framing both protocol engines need. It is
// not safe for concurrent use by multiple goroutines; each connection is
// served by exactly one goroutine, matching the teacher's per-session
// model.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer

	compressed bool // true once StartCompression has been negotiated
	tls        bool
}

// NewConn wraps raw for line-based I/O.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		br:  bufio.NewReader(raw),
		bw:  bufio.NewWriter(raw),
	}
}

// Raw returns the underlying net.Conn, e.g. to set deadlines or inspect
// RemoteAddr.
func (c *Conn) Raw() net.Conn { return c.raw }

// TLS reports whether the connection is currently running over TLS.
func (c *Conn) TLS() bool { return c.tls }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// ReadLine reads one CRLF- or LF-terminated line and returns it with the
// line terminator stripped. A bare LF is tolerated for interoperability
// with permissive clients, matching common NNTP/IMAP server practice.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > MaxLineLength {
		return "", ErrLineTooLong
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// Printf writes a CRLF-terminated line to the peer and flushes it.
func (c *Conn) Printf(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(c.bw, format, args...); err != nil {
		return err
	}
	if !strings.HasSuffix(format, "\r\n") {
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// WriteLine writes s followed by CRLF and flushes.
func (c *Conn) WriteLine(s string) error {
	return c.Printf("%s", s)
}

// WriteDotBlock writes lines as a dot-terminated multi-line block: any
// line beginning with '.' is doubled (RFC 3977 §3.1.1 / RFC 5321 §4.5.2),
// and the block is closed with a lone "." line.
func (c *Conn) WriteDotBlock(lines []string) error {
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := c.bw.WriteString(line); err != nil {
			return err
		}
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := c.bw.WriteString(".\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadDotBlock reads lines until a lone "." terminator, undoing dot
// stuffing on each line.
func (c *Conn) ReadDotBlock() ([]string, error) {
	var out []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return out, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		out = append(out, line)
	}
}

// UpgradeTLS replaces the connection with a TLS server-side handshake,
// discarding any buffered plaintext (there must be none left once the
// caller has finished reading the STARTTLS command line). Grounded on
// smtpserver's STARTTLS case, which re-creates br/bw around the new
// tls.Conn.
func (c *Conn) UpgradeTLS(cfg *tls.Config) error {
	tc := tls.Server(c.raw, cfg)
	if err := tc.Handshake(); err != nil {
		return err
	}
	c.raw = tc
	c.br = bufio.NewReader(tc)
	c.bw = bufio.NewWriter(tc)
	c.tls = true
	return nil
}

// StartCompression flags the connection as having negotiated NNTP
// XFEATURE COMPRESS (despite the "GZIP" name, this is deflate per common
// server practice, not gzip-framed). Compression in this protocol is
// one-way: the client keeps sending plain-text command lines, and the
// engine chooses per response whether to run a long multi-line body
// through the compressor, via WriteDotBlockCompressed. There is no
// read-side swap — the client never sends a compressed stream, so
// wrapping c.br in a zlib reader here would block forever waiting for a
// header that never arrives.
func (c *Conn) StartCompression() error {
	c.compressed = true
	return nil
}

// Compressed reports whether StartCompression has been negotiated on this
// connection.
func (c *Conn) Compressed() bool { return c.compressed }

// WriteDotBlockCompressed writes lines as a dot-terminated multi-line
// block like WriteDotBlock, but passes the block — including its
// terminating ".\r\n" — through a zlib stream scoped to this single call,
// matching the wire format real NNTP clients expect once XFEATURE
// COMPRESS is enabled: only the flagged response's bytes are deflated,
// not the whole connection stream, and each compressed response is its
// own self-terminated zlib stream so the client's decompressor reaches
// EOF without needing an out-of-band length. Callers must check
// Compressed() first; calling this before StartCompression is an error.
func (c *Conn) WriteDotBlockCompressed(lines []string) error {
	if !c.compressed {
		return errors.New("wire: compression not started")
	}
	zw := zlib.NewWriter(c.bw)
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := io.WriteString(zw, line); err != nil {
			zw.Close()
			return err
		}
		if _, err := zw.Write([]byte("\r\n")); err != nil {
			zw.Close()
			return err
		}
	}
	if _, err := zw.Write([]byte(".\r\n")); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadDotBlockToFiler reads a dot-terminated block like ReadDotBlock, but
// spills the unstuffed bytes into a Filer-backed buffer file rather than
// an in-memory []string. This is the POST/article-body counterpart to
// imap/imapserver.Conn's per-session literal buffer
// ("litf := c.server.Filer.BufferFile(0)"): a large article spills past
// the Filer's in-memory threshold onto disk instead of growing the
// process heap. The caller owns the returned file and must Close it.
func (c *Conn) ReadDotBlockToFiler(filer *iox.Filer) (*iox.BufferFile, error) {
	f := filer.BufferFile(0)
	for {
		line, err := c.ReadLine()
		if err != nil {
			f.Close()
			return nil, err
		}
		if line == "." {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return nil, err
			}
			return f, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if _, err := io.WriteString(f, line+"\r\n"); err != nil {
			f.Close()
			return nil, err
		}
	}
}
