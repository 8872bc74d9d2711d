package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/mnehpets/rpcpeer/jsonrpc"
)

// Codec frames JSON-RPC messages on a byte stream.
type Codec interface {
	// Encode writes m as one frame.
	Encode(w io.Writer, m jsonrpc.Message) error
	// NewReader returns a FrameReader bound to r.
	NewReader(r io.Reader) FrameReader
	Name() string
}

// FrameReader reads inbound frames. A frame is either raw bytes or an
// already decoded value; both are accepted by jsonrpc.Peer.Handle.
type FrameReader interface {
	ReadFrame() (interface{}, error)
}

// DefaultMaxFrameBytes bounds one line read by JSONCodec.
const DefaultMaxFrameBytes = 1 << 20

// ErrFrameTooLarge is returned by a FrameReader when a frame exceeds its
// limit. The stream cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("stream: frame too large")

// JSONCodec frames messages as newline-delimited JSON.
type JSONCodec struct {
	// MaxFrameBytes limits one line, newline included; zero means
	// DefaultMaxFrameBytes.
	MaxFrameBytes int
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(w io.Writer, m jsonrpc.Message) error {
	b, err := jsonrpc.Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func (c JSONCodec) NewReader(r io.Reader) FrameReader {
	limit := c.MaxFrameBytes
	if limit <= 0 {
		limit = DefaultMaxFrameBytes
	}
	return &lineReader{r: bufio.NewReader(r), limit: limit}
}

type lineReader struct {
	r     *bufio.Reader
	limit int
}

// ReadFrame returns the next non-blank line. Malformed lines are returned
// as-is so the peer can answer them with a parse error.
func (l *lineReader) ReadFrame() (interface{}, error) {
	for {
		line, err := l.readLine()
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (l *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		if len(line)+len(chunk) > l.limit {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

// CBORCodec frames each message as one CBOR data item (RFC 8949) carrying
// the same structure as the JSON form.
type CBORCodec struct{}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(w io.Writer, m jsonrpc.Message) error {
	b, err := jsonrpc.Encode(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	out, err := cbor.Marshal(normalizeNumbers(v))
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (CBORCodec) NewReader(r io.Reader) FrameReader {
	return &cborReader{dec: cborDecMode.NewDecoder(r)}
}

type cborReader struct {
	dec *cbor.Decoder
}

func (c *cborReader) ReadFrame() (interface{}, error) {
	var v interface{}
	if err := c.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeNumbers converts json.Number values to int64 where exact and
// float64 otherwise, so CBOR carries integers as integers.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	}
	return v
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, errors.New("stream: unknown codec " + strconv.Quote(name))
}
