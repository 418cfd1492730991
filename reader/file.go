// Package reader drives a complete reading run against a chip: access
// control, optional chip authentication, chunked file retrieval under
// secure messaging, and passive authentication of the result.
package reader

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// DefaultChunkSize bounds a single READ BINARY. Conservative enough for
// short-APDU chips after secure messaging overhead.
const DefaultChunkSize = 200

// DefaultTimeoutRetries bounds retransmissions of one chunk after a
// transport timeout.
const DefaultTimeoutRetries = 3

// FramingError reports a file whose chunks do not reassemble into the
// declared structure. It is terminal for the run.
type FramingError struct {
	File mrtd.FileID
	Msg  string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("reader: %s framing: %s", e.File, e.Msg)
}

// FileRecord is one completely retrieved elementary file.
type FileRecord struct {
	File    mrtd.FileID
	Content []byte
}

// fileReader retrieves elementary files over an established session.
type fileReader struct {
	tr        iso7816.Transport
	codec     *secmsg.Codec
	chunkSize int
	retries   int
	log       *logrus.Logger

	// onChunk is invoked after each chunk with bytes read and the file
	// total, once the total is known.
	onChunk func(read, total int)
}

// exchange protects cmd, transmits it, and unprotects the response. A
// transport timeout retransmits the identical protected bytes so both
// sequence counters stay aligned; any other failure is surfaced as is.
func (f *fileReader) exchange(ctx context.Context, cmd iso7816.APDU) (iso7816.RAPDU, error) {
	protected, err := f.codec.Protect(cmd)
	if err != nil {
		return iso7816.RAPDU{}, err
	}

	var resp iso7816.RAPDU
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return iso7816.RAPDU{}, err
		}
		resp, err = f.tr.Exchange(ctx, protected)
		if err == nil {
			break
		}
		if !iso7816.IsTimeout(err) || attempt >= f.retries {
			return iso7816.RAPDU{}, err
		}
		f.log.WithFields(logrus.Fields{
			"ins":     fmt.Sprintf("%02X", cmd.INS),
			"attempt": attempt + 1,
		}).Debug("chunk timeout, retransmitting")
	}
	return f.codec.Unprotect(resp)
}

// selectFile selects the elementary file by identifier.
func (f *fileReader) selectFile(ctx context.Context, file mrtd.FileID) error {
	resp, err := f.exchange(ctx, iso7816.SelectEF(file.ID))
	if err != nil {
		return err
	}
	if resp.SW != iso7816.SWSuccess {
		return &iso7816.StatusError{INS: iso7816.InsSelect, SW: resp.SW}
	}
	return nil
}

// readAll retrieves the selected file: the first chunk reveals the outer
// BER-TLV declared length, subsequent chunks read at increasing offsets
// until exactly that many bytes are assembled.
func (f *fileReader) readAll(ctx context.Context, file mrtd.FileID) ([]byte, error) {
	first, err := f.readChunk(ctx, file, 0, f.chunkSize)
	if err != nil {
		return nil, err
	}

	total, err := declaredLength(first)
	if err != nil {
		return nil, &FramingError{File: file, Msg: err.Error()}
	}
	if len(first) > total {
		return nil, &FramingError{File: file, Msg: fmt.Sprintf("chip returned %d bytes beyond the declared %d", len(first)-total, total)}
	}

	buf := make([]byte, 0, total)
	buf = append(buf, first...)
	if f.onChunk != nil {
		f.onChunk(len(buf), total)
	}

	for len(buf) < total {
		want := total - len(buf)
		if want > f.chunkSize {
			want = f.chunkSize
		}
		chunk, err := f.readChunk(ctx, file, len(buf), want)
		if err != nil {
			return nil, err
		}
		if len(chunk) != want {
			return nil, &FramingError{File: file, Msg: fmt.Sprintf("offset %d: requested %d bytes, got %d", len(buf), want, len(chunk))}
		}
		buf = append(buf, chunk...)
		if f.onChunk != nil {
			f.onChunk(len(buf), total)
		}
	}
	return buf, nil
}

func (f *fileReader) readChunk(ctx context.Context, file mrtd.FileID, offset, length int) ([]byte, error) {
	resp, err := f.exchange(ctx, iso7816.ReadBinary(offset, length))
	if err != nil {
		return nil, err
	}
	if !iso7816.SwOK(resp.SW) {
		return nil, &iso7816.StatusError{INS: iso7816.InsReadBinary, SW: resp.SW}
	}
	if len(resp.Data) > length {
		return nil, &FramingError{File: file, Msg: fmt.Sprintf("offset %d: chip returned %d bytes for a %d-byte read", offset, len(resp.Data), length)}
	}
	return resp.Data, nil
}

// read selects and retrieves one file.
func (f *fileReader) read(ctx context.Context, file mrtd.FileID) (FileRecord, error) {
	if err := f.selectFile(ctx, file); err != nil {
		return FileRecord{}, err
	}
	content, err := f.readAll(ctx, file)
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{File: file, Content: content}, nil
}

// declaredLength computes the full encoded size of the outer data object
// from its header bytes.
func declaredLength(head []byte) (int, error) {
	if len(head) == 0 {
		return 0, fmt.Errorf("empty first chunk")
	}
	tagLen := 1
	if head[0]&0x1F == 0x1F {
		tagLen = 2
	}
	length, consumed, err := iso7816.ParseTLVLength(head, tagLen)
	if err != nil {
		return 0, err
	}
	return tagLen + consumed + length, nil
}
