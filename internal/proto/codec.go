package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/AdguardTeam/golibs/errors"
)

// MaxFrameLen is the maximum length of a frame body in bytes.  A frame
// announcing a larger body is a protocol fault and is never read.
const MaxFrameLen = 64 * 1024

// frameHdrLen is the length of the frame header, a single big-endian uint32.
const frameHdrLen = 4

// Errors returned by the codec.
const (
	// ErrFrameTooLarge is returned by [ReadFrame] when the announced body
	// length exceeds [MaxFrameLen].
	ErrFrameTooLarge errors.Error = "frame body exceeds size limit"

	// ErrMalformedBody is returned by [DecodeRequest] when the frame body is
	// not a valid JSON request.
	ErrMalformedBody errors.Error = "malformed frame body"
)

// ReadFrame reads exactly one length-prefixed frame body from r.  r should be
// buffered and belong to a single connection, since a partially read frame
// leaves the stream unusable.  ReadFrame returns [io.EOF] only if the stream
// ends cleanly before the header; a stream cut mid-frame results in
// [io.ErrUnexpectedEOF].
func ReadFrame(r io.Reader) (body []byte, err error) {
	hdr := make([]byte, frameHdrLen)
	_, err = io.ReadFull(r, hdr)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(hdr)
	if bodyLen > MaxFrameLen {
		return nil, fmt.Errorf("announced length %d: %w", bodyLen, ErrFrameTooLarge)
	}

	body = make([]byte, bodyLen)
	_, err = io.ReadFull(r, body)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, fmt.Errorf("reading body of length %d: %w", bodyLen, err)
	}

	return body, nil
}

// WriteFrame writes body to w with the length prefix prepended.  The header
// and the body are written with a single call to w.Write.
func WriteFrame(w io.Writer, body []byte) (err error) {
	if len(body) > MaxFrameLen {
		return fmt.Errorf("body length %d: %w", len(body), ErrFrameTooLarge)
	}

	frame := make([]byte, frameHdrLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHdrLen:], body)

	_, err = w.Write(frame)

	// Don't wrap the error since it's informative enough as is.
	return err
}

// DecodeRequest decodes a frame body into a request.
func DecodeRequest(body []byte) (req *Request, err error) {
	req = &Request{}
	err = json.Unmarshal(body, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}

	return req, nil
}

// WriteResponse encodes resp and writes it to w as a single frame.
func WriteResponse(w io.Writer, resp *Response) (err error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}

	return WriteFrame(w, body)
}
