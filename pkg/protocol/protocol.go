// Package protocol defines the wire format spoken between jailfs clients
// and the jailfsd server over a TCP stream: newline-terminated command
// lines, plain-text replies, and the framing used for file uploads.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":5000"

// MaxLineLength is the default upper bound for a single command line.
const MaxLineLength = 2048

// SizePrefix introduces the length header of an upload: "SIZE <n>\n".
const SizePrefix = "SIZE "

// LegacySentinel terminates an upload in the legacy framing mode.
//
// LEGACY: the sentinel is only recognised when a single receive returns
// exactly these three bytes. Payloads containing the sequence, or a sentinel
// that arrives coalesced with data, corrupt the stream. Use SIZE framing.
const LegacySentinel = "EOF"

// BlockTerminator ends a reply when dot-terminated replies are enabled.
const BlockTerminator = "."

var (
	// ErrConnectionClosed is returned when the peer goes away before a
	// complete line or payload has been received.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLineTooLong is returned when a line exceeds the configured limit.
	// The remainder of the line has been consumed.
	ErrLineTooLong = errors.New("line too long")

	// ErrBadSizeHeader is returned for a malformed "SIZE <n>" header.
	ErrBadSizeHeader = errors.New("malformed SIZE header")
)

// Command verbs. The "s" prefixed spellings are accepted as aliases.
const (
	VerbPwd       = "pwd"
	VerbCd        = "cd"
	VerbUp        = "up"
	VerbLs        = "ls"
	VerbMkdir     = "mkdir"
	VerbRm        = "rm"
	VerbRename    = "rename"
	VerbWriteFile = "write_file"
	VerbPut       = "put"
	VerbFramed    = "framed"
	VerbHelp      = "help"
	VerbExit      = "exit"
)

// Fixed reply texts.
const (
	ReplyDirChanged      = "Directory changed"
	ReplyDirChangeFailed = "Directory change failed"
	ReplyAlreadyAtRoot   = "Already at root"
	ReplyEmptyDir        = "(empty)"
	ReplyLsFailed        = "ls: cannot open directory"
	ReplyPwdFailed       = "pwd failed"
	ReplyDirCreated      = "Directory created"
	ReplyMkdirFailed     = "Failed to create directory"
	ReplyDeleted         = "Deleted"
	ReplyDeleteFailed    = "Failed to delete"
	ReplyRenamed         = "Renamed"
	ReplyRenameFailed    = "Rename failed"
	ReplyRenameUsage     = "Invalid rename command"
	ReplyFilenameError   = "filename error"
	ReplyUploadOK        = "OK"
	ReplyUploadFailed    = "FAIL"
	ReplyFramedOn        = "Framed replies on"
	ReplyFramedOff       = "Framed replies off"
	ReplyFramedUsage     = "Invalid framed command"
	ReplyUnknown         = "Unknown command"
	ReplyEmpty           = "Empty command"
	ReplyTooLong         = "Command too long"
	ReplyNotPermitted    = "Command not permitted"
	ReplyBusy            = "Server busy"
)

// blanks separate the verb from its argument.
const blanks = " \t"

// Command is a parsed command line.
type Command struct {
	Verb string
	Arg  string // rest of the line after the verb, leading blanks removed
}

// ParseCommand splits off the first blank-delimited token as the verb. The
// remainder is kept whole so that names may contain spaces.
func ParseCommand(line string) Command {
	line = strings.TrimLeft(line, blanks)
	if line == "" {
		return Command{}
	}
	i := strings.IndexAny(line, blanks)
	if i < 0 {
		return Command{Verb: line}
	}
	return Command{Verb: line[:i], Arg: strings.TrimLeft(line[i:], blanks)}
}

// Args returns the argument as a one-element list, or nil when there is none.
func (c Command) Args() []string {
	if c.Arg == "" {
		return nil
	}
	return []string{c.Arg}
}

// Fields splits the argument on runs of whitespace, for verbs that take
// more than one operand.
func (c Command) Fields() []string {
	return strings.Fields(c.Arg)
}

// String reassembles the command as it would appear on the wire.
func (c Command) String() string {
	if c.Arg == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Arg
}

// ReadLine reads one line from r. The newline is not included and every
// carriage return is dropped. A maxLen of zero disables the length check.
//
// A line cut short by end of stream is never returned; the caller gets
// ErrConnectionClosed instead.
func ReadLine(r io.ByteReader, maxLen int) (string, error) {
	var b strings.Builder
	overflow := false
	for {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrConnectionClosed
			}
			return "", fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}

		switch c {
		case '\n':
			if overflow {
				return "", ErrLineTooLong
			}
			return b.String(), nil
		case '\r':
			continue
		}

		if overflow {
			continue
		}
		if maxLen > 0 && b.Len() >= maxLen {
			overflow = true
			b.Reset()
			continue
		}
		b.WriteByte(c)
	}
}

// WriteReply writes text followed by a newline unless it already ends in one.
func WriteReply(w io.Writer, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteBlock writes text as a dot-terminated block. Lines that begin with a
// dot are stuffed with a second one.
func WriteBlock(w io.Writer, text string) error {
	var b strings.Builder
	text = strings.TrimSuffix(text, "\n")
	if text != "" {
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(line, BlockTerminator) {
				b.WriteString(BlockTerminator)
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString(BlockTerminator + "\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

// ReadBlock reads a dot-terminated block written by WriteBlock and returns
// its unstuffed content without the trailing newline.
func ReadBlock(r io.ByteReader, maxLen int) (string, error) {
	var lines []string
	for {
		line, err := ReadLine(r, maxLen)
		if err != nil {
			return "", err
		}
		if line == BlockTerminator {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, strings.TrimPrefix(line, BlockTerminator))
	}
}

// FormatSizeHeader returns the header line announcing an n byte payload.
func FormatSizeHeader(n int64) string {
	return SizePrefix + strconv.FormatInt(n, 10)
}

// ParseSizeHeader parses a "SIZE <n>" line.
func ParseSizeHeader(line string) (int64, error) {
	rest, ok := strings.CutPrefix(line, SizePrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadSizeHeader, line)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadSizeHeader, line)
	}
	return n, nil
}

// WritePayload writes a SIZE header followed by exactly n bytes from src.
func WritePayload(w io.Writer, src io.Reader, n int64) error {
	if err := WriteReply(w, FormatSizeHeader(n)); err != nil {
		return err
	}
	written, err := io.CopyN(w, src, n)
	if err != nil {
		return fmt.Errorf("write payload (%d of %d bytes): %w", written, n, err)
	}
	return nil
}

// ReadPayload copies exactly n bytes from r to w. Running out of input
// before n bytes is reported as ErrConnectionClosed.
func ReadPayload(r io.Reader, w io.Writer, n int64) (int64, error) {
	written, err := io.CopyN(w, r, n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return written, fmt.Errorf("%w: payload truncated at %d of %d bytes", ErrConnectionClosed, written, n)
		}
		return written, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return written, nil
}

// legacyChunk is large enough that a bufio.Reader with the default buffer
// size hands reads straight through to the connection once drained.
const legacyChunk = 32 * 1024

// CopyUntilSentinel copies receive units from r to w until a unit consisting
// of exactly LegacySentinel arrives.
//
// LEGACY: see LegacySentinel for the failure modes of this framing.
func CopyUntilSentinel(r io.Reader, w io.Writer) (int64, error) {
	buf := make([]byte, legacyChunk)
	var total int64
	for {
		n, err := r.Read(buf)
		if n == len(LegacySentinel) && string(buf[:n]) == LegacySentinel {
			return total, nil
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write payload: %w", werr)
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, fmt.Errorf("%w: sentinel never received", ErrConnectionClosed)
			}
			return total, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
}
