package peep

import (
	"bytes"
	"fmt"

	"github.com/creachadair/peep/wire"
)

// A RequestKind identifies which operation a request asks of the server.
type RequestKind byte

const (
	GetFileSize    RequestKind = 1 // report the size of the file at Path
	GetFileContent RequestKind = 2 // report the contents of the file at Path
)

func (k RequestKind) String() string {
	switch k {
	case GetFileSize:
		return "GET_FILE_SIZE"
	case GetFileContent:
		return "GET_FILE_CONTENT"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Request is the payload format for a request published on the
// client-to-server channel.
type Request struct {
	Kind RequestKind
	Path string
}

// Encode encodes the request in binary format.
func (r Request) Encode() []byte {
	var b wire.Builder
	b.Grow(1 + wire.VLen(len(r.Path)))
	b.Put(byte(r.Kind))
	b.VPutString(r.Path)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a request payload.
// It implements encoding.BinaryUnmarshaler. An invalid encoding reports an
// error wrapping [ErrMalformed].
func (r *Request) UnmarshalBinary(data []byte) error {
	s := wire.NewScanner(data)
	tag, err := s.Byte()
	if err != nil {
		return fmt.Errorf("%w: empty request", ErrMalformed)
	}
	kind := RequestKind(tag)
	if kind != GetFileSize && kind != GetFileContent {
		return fmt.Errorf("%w: invalid request kind %d", ErrMalformed, tag)
	}
	path, err := wire.VGet[string](s)
	if err != nil {
		return fmt.Errorf("%w: request path: %v", ErrMalformed, err)
	}
	if s.Len() != 0 {
		return fmt.Errorf("%w: %d bytes after request", ErrMalformed, s.Len())
	}
	r.Kind = kind
	r.Path = path
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string { return fmt.Sprintf("Request(%v, %q)", r.Kind, r.Path) }

// A ResponseKind identifies the variant of a response payload.
type ResponseKind byte

const (
	FileSize     ResponseKind = 1 // the Size field holds the file size in bytes
	FileContent  ResponseKind = 2 // the Data field holds the file contents
	ServiceError ResponseKind = 3 // the request failed; see Code and Message
)

func (k ResponseKind) String() string {
	switch k {
	case FileSize:
		return "FILE_SIZE"
	case FileContent:
		return "FILE_CONTENT"
	case ServiceError:
		return "SERVICE_ERROR"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Error codes reported in a ServiceError response.
const (
	CodeNotFound uint16 = 1 // the requested file does not exist
	CodeIOError  uint16 = 2 // the requested file could not be read
)

// Response is the payload format for a response published on the
// server-to-client channel. A Response owns its Data; for a view that
// borrows the encoded buffer instead, see [ResponseView].
type Response struct {
	Kind    ResponseKind
	Size    uint64 // for FileSize
	Data    []byte // for FileContent
	Code    uint16 // for ServiceError
	Message string // for ServiceError
}

// Encode encodes the response in binary format. It panics if the response
// kind is not valid.
func (r Response) Encode() []byte {
	var b wire.Builder
	b.Put(byte(r.Kind))
	switch r.Kind {
	case FileSize:
		b.Uint64(r.Size)
	case FileContent:
		b.VPut(r.Data)
	case ServiceError:
		b.Uint16(r.Code)
		b.VPutString(truncate(r.Message, 65535))
	default:
		panic(fmt.Sprintf("invalid response kind %d", byte(r.Kind)))
	}
	return b.Bytes()
}

// UnmarshalBinary decodes data into a response payload, copying the content
// out of data. It implements encoding.BinaryUnmarshaler. An invalid
// encoding reports an error wrapping [ErrMalformed].
func (r *Response) UnmarshalBinary(data []byte) error {
	var v ResponseView
	if err := v.UnmarshalBinary(data); err != nil {
		return err
	}
	*r = v.Copy()
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	return responseString(r.Kind, r.Size, r.Data, r.Code, r.Message)
}

// A ResponseView is a read-only decoding of a response payload. It has the
// same wire layout as [Response], but its Data field aliases the buffer
// given to UnmarshalBinary instead of copying it. The caller must not
// modify the buffer while the view is in use, and must use Copy to retain
// the content beyond the buffer's lifetime.
type ResponseView struct {
	Kind    ResponseKind
	Size    uint64
	Data    []byte
	Code    uint16
	Message string
}

// UnmarshalBinary decodes data into a response view without copying the
// content. It implements encoding.BinaryUnmarshaler. An invalid encoding
// reports an error wrapping [ErrMalformed].
func (r *ResponseView) UnmarshalBinary(data []byte) error {
	s := wire.NewScanner(data)
	tag, err := s.Byte()
	if err != nil {
		return fmt.Errorf("%w: empty response", ErrMalformed)
	}
	*r = ResponseView{Kind: ResponseKind(tag)}
	switch r.Kind {
	case FileSize:
		r.Size, err = s.Uint64()
	case FileContent:
		r.Data, err = wire.VGet[[]byte](s)
	case ServiceError:
		r.Code, err = s.Uint16()
		if err == nil {
			r.Message, err = wire.VGet[string](s)
		}
	default:
		return fmt.Errorf("%w: invalid response kind %d", ErrMalformed, tag)
	}
	if err != nil {
		return fmt.Errorf("%w: response payload: %v", ErrMalformed, err)
	}
	if s.Len() != 0 {
		return fmt.Errorf("%w: %d bytes after response", ErrMalformed, s.Len())
	}
	return nil
}

// Copy returns a Response owning a copy of the contents of r.
func (r ResponseView) Copy() Response {
	return Response{
		Kind:    r.Kind,
		Size:    r.Size,
		Data:    bytes.Clone(r.Data),
		Code:    r.Code,
		Message: r.Message,
	}
}

// String returns a human-friendly rendering of the view.
func (r ResponseView) String() string {
	return responseString(r.Kind, r.Size, r.Data, r.Code, r.Message)
}

func responseString(kind ResponseKind, size uint64, data []byte, code uint16, msg string) string {
	switch kind {
	case FileSize:
		return fmt.Sprintf("Response(%v, %d)", kind, size)
	case FileContent:
		if len(data) > 16 {
			return fmt.Sprintf("Response(%v, [%d bytes] %+v ...)", kind, len(data), data[:16])
		}
		return fmt.Sprintf("Response(%v, %+v)", kind, data)
	case ServiceError:
		return fmt.Sprintf("Response(%v, Code=%d, %q)", kind, code, msg)
	default:
		return fmt.Sprintf("Response(%v)", kind)
	}
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes. If s exceeds this length, it is truncated at a point ≤ n so
// that the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
