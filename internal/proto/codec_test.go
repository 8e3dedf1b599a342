package proto_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/prismdns/prism/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame is a test helper that builds a wire frame from body.
func frame(tb testing.TB, body []byte) (data []byte) {
	tb.Helper()

	buf := &bytes.Buffer{}
	require.NoError(tb, proto.WriteFrame(buf, body))

	return buf.Bytes()
}

func TestReadFrame(t *testing.T) {
	oversizeHdr := make([]byte, 4)
	binary.BigEndian.PutUint32(oversizeHdr, 70_000)

	testCases := []struct {
		wantErr  error
		name     string
		data     []byte
		wantBody []byte
	}{{
		wantErr:  nil,
		name:     "ok",
		data:     frame(t, []byte(`{"status":"ok"}`)),
		wantBody: []byte(`{"status":"ok"}`),
	}, {
		wantErr:  nil,
		name:     "empty_body",
		data:     frame(t, nil),
		wantBody: []byte{},
	}, {
		wantErr:  io.EOF,
		name:     "clean_eof",
		data:     nil,
		wantBody: nil,
	}, {
		wantErr:  io.ErrUnexpectedEOF,
		name:     "cut_header",
		data:     []byte{0x00, 0x00},
		wantBody: nil,
	}, {
		wantErr:  io.ErrUnexpectedEOF,
		name:     "cut_body",
		data:     frame(t, []byte("hello"))[:7],
		wantBody: nil,
	}, {
		wantErr:  proto.ErrFrameTooLarge,
		name:     "oversize",
		data:     oversizeHdr,
		wantBody: nil,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := proto.ReadFrame(bytes.NewReader(tc.data))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantBody, body)
		})
	}
}

func TestReadFrame_sequence(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, proto.WriteFrame(buf, []byte("one")))
	require.NoError(t, proto.WriteFrame(buf, []byte("two")))

	body, err := proto.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), body)

	body, err = proto.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), body)

	_, err = proto.ReadFrame(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_tooLarge(t *testing.T) {
	err := proto.WriteFrame(&bytes.Buffer{}, make([]byte, proto.MaxFrameLen+1))
	assert.ErrorIs(t, err, proto.ErrFrameTooLarge)
}

func TestDecodeRequest(t *testing.T) {
	testCases := []struct {
		want    *proto.Request
		wantErr error
		name    string
		body    string
	}{{
		want: &proto.Request{
			Version:   "1.0",
			Action:    proto.ActionRegister,
			Hostname:  "h1",
			ClientIP:  "10.0.0.5",
			Timestamp: "2025-01-01T00:00:00Z",
			AuthToken: "T1",
		},
		wantErr: nil,
		name:    "register",
		body: `{"version":"1.0","action":"register","hostname":"h1",` +
			`"client_ip":"10.0.0.5","timestamp":"2025-01-01T00:00:00Z",` +
			`"auth_token":"T1"}`,
	}, {
		want: &proto.Request{
			Version: "1.0",
			Action:  proto.ActionGoodbye,
		},
		wantErr: nil,
		name:    "goodbye",
		body:    `{"version":"1.0","action":"goodbye"}`,
	}, {
		want:    nil,
		wantErr: proto.ErrMalformedBody,
		name:    "not_json",
		body:    "\xFF\xFE",
	}, {
		want:    nil,
		wantErr: proto.ErrMalformedBody,
		name:    "wrong_shape",
		body:    `["register"]`,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := proto.DecodeRequest([]byte(tc.body))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, req)
		})
	}
}

func TestCheckVersion(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		wantErr bool
	}{{
		name:    "current",
		in:      proto.CurrentVersion,
		wantErr: false,
	}, {
		name:    "newer_minor",
		in:      "1.7",
		wantErr: false,
	}, {
		name:    "empty",
		in:      "",
		wantErr: false,
	}, {
		name:    "newer_major",
		in:      "2.0",
		wantErr: true,
	}, {
		name:    "garbage",
		in:      "banana",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := proto.CheckVersion(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, proto.ErrVersion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
