package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ReadLine reads one newline-terminated frame. It returns io.EOF when the
// stream ends cleanly between frames and io.ErrUnexpectedEOF when it ends
// inside one.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// WriteLine writes a frame, appending the delimiter if it is missing.
// The frame is handed to w in a single Write call.
func WriteLine(w io.Writer, line []byte) error {
	if bytes.IndexByte(line[:max(len(line)-1, 0)], '\n') >= 0 {
		return ErrEmbeddedNewline
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line[:len(line):len(line)], '\n')
	}
	_, err := w.Write(line)
	return err
}
