// Package ndjson reads and writes newline-delimited JSON streams with a
// hard per-record size cap. Oversized records are skipped, not fatal: the
// assistant can emit arbitrarily large tool output and the stream must
// survive it.
package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
)

// MaxRecordSize is the maximum NDJSON record size (256 KiB)
const MaxRecordSize = 256 * 1024

// Encoder writes NDJSON records to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a record as a single JSON line and flushes immediately
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if len(data) > MaxRecordSize {
		e.logger.Error("record exceeds size limit",
			"size", len(data),
			"limit", MaxRecordSize)
		return fmt.Errorf("record size %d exceeds limit %d: %w", len(data), MaxRecordSize, taskerr.ErrChunkTooLarge)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// WriteRaw writes a pre-encoded line verbatim (used by the stream capture
// log so the on-disk record matches the assistant's bytes exactly)
func (e *Encoder) WriteRaw(line []byte) error {
	if len(line) > MaxRecordSize {
		return fmt.Errorf("raw line size %d exceeds limit %d: %w", len(line), MaxRecordSize, taskerr.ErrChunkTooLarge)
	}
	if _, err := e.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write raw line: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Decoder reads NDJSON records from an input stream. Unlike bufio.Scanner,
// it recovers from a record longer than MaxRecordSize: the record is
// discarded up to its trailing newline and Next returns ErrChunkTooLarge,
// after which the decoder is positioned at the following record.
type Decoder struct {
	reader  *bufio.Reader
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
	}
}

// LineNum returns the number of lines consumed so far
func (d *Decoder) LineNum() int { return d.lineNum }

// Next returns the raw bytes of the next non-empty line. It returns io.EOF
// at end of stream and a wrapped taskerr.ErrChunkTooLarge for an oversized
// record (which has been fully discarded).
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		d.lineNum++
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// Decode reads the next line and unmarshals it into v
func (d *Decoder) Decode(v any) error {
	line, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", string(line[:min(100, len(line))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	return nil
}

// readLine accumulates one line, enforcing the size cap. On overflow it
// drains the remainder of the line so the caller can keep reading.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(buf)+len(chunk) > MaxRecordSize {
				d.logger.Warn("dropping oversized record",
					"line", d.lineNum+1,
					"limit", MaxRecordSize)
				if drainErr := d.drainLine(err); drainErr != nil {
					return nil, drainErr
				}
				d.lineNum++
				return nil, fmt.Errorf("line %d exceeds %d bytes: %w", d.lineNum, MaxRecordSize, taskerr.ErrChunkTooLarge)
			}
			buf = append(buf, chunk...)
		}
		switch err {
		case nil:
			return trimEOL(buf), nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return trimEOL(buf), nil
		default:
			return nil, fmt.Errorf("read error at line %d: %w", d.lineNum, err)
		}
	}
}

// drainLine discards input until the end of the current line
func (d *Decoder) drainLine(lastErr error) error {
	for lastErr == bufio.ErrBufferFull {
		_, lastErr = d.reader.ReadSlice('\n')
	}
	if lastErr != nil && lastErr != io.EOF {
		return fmt.Errorf("drain error at line %d: %w", d.lineNum+1, lastErr)
	}
	return nil
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
