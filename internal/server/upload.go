package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"jailfs/internal/jail"
	"jailfs/internal/session"
	"jailfs/pkg/protocol"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	errUploadTooLarge = errors.New("upload exceeds size limit")
	errIsDirectory    = errors.New("destination is a directory")
)

// uploadFrame describes how the payload following an upload command is
// delimited on the wire.
type uploadFrame struct {
	size   int64
	legacy bool
}

func (f uploadFrame) copy(r io.Reader, w io.Writer) (int64, error) {
	if f.legacy {
		return protocol.CopyUntilSentinel(r, w)
	}
	return protocol.ReadPayload(r, w, f.size)
}

// discard consumes the payload so the next command line is read from the
// right place.
func (f uploadFrame) discard(r io.Reader) error {
	_, err := f.copy(r, io.Discard)
	return err
}

// uploadSink forwards payload bytes until the first write failure or the
// size limit, then keeps swallowing input so the stream stays in sync.
type uploadSink struct {
	w     io.Writer
	limit int64
	n     int64
	err   error
}

func (s *uploadSink) Write(p []byte) (int, error) {
	if s.err == nil {
		if s.limit > 0 && s.n+int64(len(p)) > s.limit {
			s.err = fmt.Errorf("%w (%d bytes)", errUploadTooLarge, s.limit)
		} else if _, err := s.w.Write(p); err != nil {
			s.err = fmt.Errorf("write upload: %w", err)
		}
	}
	s.n += int64(len(p))
	return len(p), nil
}

// validateFilename accepts a single path component.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: filename %q", jail.ErrInvalidArgument, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: filename %q contains a path separator", jail.ErrInvalidArgument, name)
	}
	return nil
}

// writeFile reads the destination name on its own line before the frame.
func (d *Dispatcher) writeFile(sess *session.Session, _ protocol.Command, r *bufio.Reader) Result {
	name, err := protocol.ReadLine(r, d.config.MaxLineLength)
	if err != nil && !errors.Is(err, protocol.ErrLineTooLong) {
		return Result{Reply: protocol.ReplyUploadFailed, Close: true, Err: err}
	}
	// An over-long name falls through as "" and is rejected after the
	// payload has been consumed.
	return d.receive(sess, name, r)
}

// put carries the destination name inline: "put <name>".
func (d *Dispatcher) put(sess *session.Session, cmd protocol.Command, r *bufio.Reader) Result {
	return d.receive(sess, cmd.Arg, r)
}

// discardUpload consumes everything an upload command sends without
// storing it.
func (d *Dispatcher) discardUpload(cmd protocol.Command, r *bufio.Reader) error {
	if cmd.Verb == protocol.VerbWriteFile {
		if _, err := protocol.ReadLine(r, d.config.MaxLineLength); err != nil && !errors.Is(err, protocol.ErrLineTooLong) {
			return err
		}
	}
	frame, err := d.readFrame(r)
	if err != nil {
		return err
	}
	return frame.discard(r)
}

// readFrame reads the SIZE header, or selects legacy sentinel framing when
// it is enabled and no header is present.
func (d *Dispatcher) readFrame(r *bufio.Reader) (uploadFrame, error) {
	sized, err := hasSizeHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return uploadFrame{}, protocol.ErrConnectionClosed
		}
		return uploadFrame{}, fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, err)
	}
	if !sized {
		if d.config.LegacySentinel {
			return uploadFrame{legacy: true}, nil
		}
		return uploadFrame{}, fmt.Errorf("%w: header missing", protocol.ErrBadSizeHeader)
	}

	line, err := protocol.ReadLine(r, d.config.MaxLineLength)
	if err != nil {
		return uploadFrame{}, err
	}
	n, err := protocol.ParseSizeHeader(line)
	if err != nil {
		return uploadFrame{}, err
	}
	return uploadFrame{size: n}, nil
}

// hasSizeHeader peeks one byte at a time so that a short legacy payload
// never blocks waiting for bytes that will not come.
func hasSizeHeader(r *bufio.Reader) (bool, error) {
	for i := 1; i <= len(protocol.SizePrefix); i++ {
		b, err := r.Peek(i)
		if err != nil {
			return false, err
		}
		if b[i-1] != protocol.SizePrefix[i-1] {
			return false, nil
		}
	}
	return true, nil
}

// receive stores an upload in the session's working directory. The data is
// written to a hidden temporary file which is renamed into place only when
// the whole payload arrived; on failure it is removed.
func (d *Dispatcher) receive(sess *session.Session, name string, r *bufio.Reader) Result {
	args := []string{name}

	frame, err := d.readFrame(r)
	if err != nil {
		// The stream position is lost; the session cannot continue.
		return Result{Args: args, Reply: protocol.ReplyUploadFailed, Close: true, Err: err}
	}

	reject := func(reply string, cause error) Result {
		res := Result{Args: args, Reply: reply, Err: cause}
		if err := frame.discard(r); err != nil {
			res.Close = true
			res.Err = errors.Join(cause, err)
		}
		return res
	}

	if err := validateFilename(name); err != nil {
		return reject(protocol.ReplyFilenameError, err)
	}
	if !frame.legacy && d.config.MaxUploadSize > 0 && frame.size > d.config.MaxUploadSize {
		return reject(protocol.ReplyUploadFailed, fmt.Errorf("%w (%d > %d bytes)", errUploadTooLarge, frame.size, d.config.MaxUploadSize))
	}

	dest, err := d.jail.ResolveNew(name, sess.Cwd())
	if err != nil {
		return reject(protocol.ReplyUploadFailed, err)
	}
	if info, err := d.jail.Lstat(dest); err == nil && info.IsDir() {
		return reject(protocol.ReplyUploadFailed, errIsDirectory)
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".upload-"+uuid.New().String()[:8])
	file, err := d.jail.Create(tmp)
	if err != nil {
		return reject(protocol.ReplyUploadFailed, err)
	}

	sink := &uploadSink{w: file, limit: d.config.MaxUploadSize}
	n, copyErr := frame.copy(r, sink)
	closeErr := file.Close()

	err = copyErr
	if err == nil {
		err = sink.err
	}
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = d.jail.Rename(tmp, dest)
	}
	if err != nil {
		if rmErr := d.jail.Unlink(tmp); rmErr != nil && !errors.Is(rmErr, jail.ErrNotFound) {
			err = fmt.Errorf("%w (removing partial upload: %v)", err, rmErr)
		}
		return Result{
			Args:  args,
			Reply: protocol.ReplyUploadFailed,
			Close: errors.Is(copyErr, protocol.ErrConnectionClosed),
			Err:   err,
		}
	}

	sess.Uploaded += n
	if d.metrics != nil {
		d.metrics.ObserveUpload(n)
	}
	return Result{Args: args, Reply: protocol.ReplyUploadOK, Bytes: n}
}
