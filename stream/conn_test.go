package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnehpets/rpcpeer/jsonrpc"
)

func testRegistry(t *testing.T, notified chan<- string) *jsonrpc.Registry {
	t.Helper()
	return jsonrpc.NewRegistryBuilder().
		Register("add", jsonrpc.MethodSpec{
			Params: jsonrpc.TypeOf[[]float64](),
			Result: jsonrpc.TypeOf[float64](),
			Handler: jsonrpc.Typed(func(ctx context.Context, nums []float64) (float64, error) {
				var sum float64
				for _, n := range nums {
					sum += n
				}
				return sum, nil
			}),
		}).
		Register("tweet", jsonrpc.MethodSpec{
			Params: jsonrpc.TypeOf[string](),
			Handler: jsonrpc.Typed(func(ctx context.Context, msg string) (interface{}, error) {
				notified <- msg
				return nil, nil
			}),
		}).
		Register("fail", jsonrpc.MethodSpec{
			Handler: func(ctx context.Context, params interface{}) (interface{}, error) {
				return nil, jsonrpc.NewError(-1000, "custom error")
			},
		}).
		Register("block", jsonrpc.MethodSpec{}).
		MustBuild()
}

// connPair connects a client and a server over an in-memory pipe.
func connPair(t *testing.T, codec Codec) (client *Conn, server *Conn, notified chan string) {
	t.Helper()
	notified = make(chan string, 8)
	reg := testRegistry(t, notified)

	a, b := net.Pipe()
	client = NewConn(a, jsonrpc.NewPeer(jsonrpc.WithRegistry(reg), jsonrpc.WithName("client")), WithCodec(codec))
	server = NewConn(b, jsonrpc.NewPeer(jsonrpc.WithRegistry(reg), jsonrpc.WithName("server")), WithCodec(codec))
	serveAll(t, client, server)
	return client, server, notified
}

// serveAll runs Serve on every conn until the test ends.
func serveAll(t *testing.T, conns ...*Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, len(conns))
	for _, c := range conns {
		go func(c *Conn) { done <- c.Serve(ctx) }(c)
	}

	t.Cleanup(func() {
		cancel()
		for _, c := range conns {
			c.Close()
		}
		for range conns {
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Serve: %v", err)
			}
		}
	})
}

// countingConn counts the frames written to it.
type countingConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *countingConn) Write(b []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(b)
}

func TestCall(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			client, _, _ := connPair(t, codec)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			got, err := client.Call(ctx, "add", []float64{1, 2, 3})
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != float64(6) {
				t.Errorf("got %v, want 6", got)
			}

			_, err = client.Call(ctx, "fail", nil)
			var rpcErr *jsonrpc.JSONRPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != -1000 {
				t.Errorf("got %v, want code -1000", err)
			}
		})
	}
}

func TestNotify(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			client, _, notified := connPair(t, codec)
			if err := client.Notify("tweet", "hello"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			select {
			case msg := <-notified:
				if msg != "hello" {
					t.Errorf("got %q", msg)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("notification not delivered")
			}
		})
	}
}

func TestCallAbandonedOnCancel(t *testing.T) {
	client, _, _ := connPair(t, JSONCodec{})

	// The server has no handler for "block" and answers with an error,
	// which may race with the cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Call(ctx, "block", nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		var rpcErr *jsonrpc.JSONRPCError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("got %v", err)
		}
	}

	// Whichever way the race went, nothing is left pending.
	deadline := time.Now().Add(5 * time.Second)
	for {
		client.mu.Lock()
		n := client.peer.Pending()
		client.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d requests still pending", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBatch(t *testing.T) {
	client, _, notified := connPair(t, JSONCodec{})

	results := make(chan interface{}, 2)
	err := client.Batch(context.Background(), func(p *jsonrpc.Peer) error {
		if _, err := p.Request("add", []float64{1, 1}, func(r interface{}) { results <- r }, nil); err != nil {
			return err
		}
		if _, err := p.Request("add", []float64{2, 2}, func(r interface{}) { results <- r }, nil); err != nil {
			return err
		}
		_, err := p.Notify("tweet", "batched")
		return err
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	got := map[interface{}]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r] = true
		case <-time.After(5 * time.Second):
			t.Fatal("batched reply not delivered")
		}
	}
	if !got[float64(2)] || !got[float64(4)] {
		t.Errorf("got results %v", got)
	}
	if msg := <-notified; msg != "batched" {
		t.Errorf("got %q", msg)
	}
}

func TestCallInsideBatch(t *testing.T) {
	client, _, _ := connPair(t, JSONCodec{})
	client.mu.Lock()
	client.peer.BeginBatch()
	client.mu.Unlock()

	if _, err := client.Call(context.Background(), "add", []float64{1}); !errors.Is(err, ErrBatchOpen) {
		t.Errorf("got %v, want ErrBatchOpen", err)
	}
}

type bufferConn struct {
	io.Reader
	io.Writer
}

func (bufferConn) Close() error { return nil }

func TestServeParseError(t *testing.T) {
	in := strings.NewReader("not json\n\n{\"jsonrpc\":\"2.0\",\"method\":\"add\",\"params\":[2],\"id\":1}\n")
	out := &bytes.Buffer{}
	rwc := bufferConn{Reader: in, Writer: out}

	reg := testRegistry(t, make(chan string, 1))
	c := NewConn(rwc, jsonrpc.NewPeer(jsonrpc.WithRegistry(reg)))
	if err := c.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d replies: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], `"code":-32700`) {
		t.Errorf("got %s, want a parse error", lines[0])
	}
	if lines[1] != `{"jsonrpc":"2.0","id":1,"result":2}` {
		t.Errorf("got %s", lines[1])
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		if _, err := CodecByName(name); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestUnmatchedErrorNotEchoed(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := &countingConn{Conn: a}, &countingConn{Conn: b}

	// The loose client sends a method the server does not know; the server
	// answers with a null-id error that the client must only log.
	client := NewConn(ca, jsonrpc.NewPeer(jsonrpc.WithName("client")))
	server := NewConn(cb, jsonrpc.NewPeer(jsonrpc.WithRegistry(testRegistry(t, nil)), jsonrpc.WithName("server")))
	serveAll(t, client, server)

	if err := client.Notify("nope", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := ca.writes.Load(); got != 1 {
		t.Errorf("client wrote %d frames, want 1", got)
	}
	if got := cb.writes.Load(); got != 1 {
		t.Errorf("server wrote %d frames, want 1", got)
	}
}

func TestBatchFailure(t *testing.T) {
	client, _, _ := connPair(t, JSONCodec{})
	errStop := errors.New("stop")

	err := client.Batch(context.Background(), func(p *jsonrpc.Peer) error {
		p.Request("add", []float64{1}, nil, nil)
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Errorf("got %v, want %v", err, errStop)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("panic swallowed")
			}
		}()
		client.Batch(context.Background(), func(p *jsonrpc.Peer) error {
			p.Request("add", []float64{2}, nil, nil)
			panic("boom")
		})
	}()

	client.mu.Lock()
	pending, batching, buffered := client.peer.Pending(), client.peer.Batching(), client.peer.BatchSize()
	client.mu.Unlock()
	if pending != 0 || batching || buffered != 0 {
		t.Errorf("got %d pending, batching %v, %d buffered", pending, batching, buffered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if got, err := client.Call(ctx, "add", []float64{3}); err != nil || got != float64(3) {
		t.Errorf("Call after failed batches: got %v, %v", got, err)
	}
}

func TestHandlerUsesOwnConn(t *testing.T) {
	var server *Conn
	type attempt struct{ callErr, batchErr error }
	attempts := make(chan attempt, 1)
	progress := make(chan float64, 1)

	serverReg := jsonrpc.NewRegistryBuilder().
		Register("hello", jsonrpc.MethodSpec{
			Handler: func(ctx context.Context, _ interface{}) (interface{}, error) {
				if err := server.Notify("progress", 50); err != nil {
					return nil, err
				}
				_, callErr := server.Call(ctx, "progress", 1)
				batchErr := server.Batch(ctx, func(*jsonrpc.Peer) error { return nil })
				attempts <- attempt{callErr, batchErr}
				return "hi", nil
			},
		}).
		Register("progress", jsonrpc.MethodSpec{Params: jsonrpc.TypeOf[float64]()}).
		MustBuild()
	clientReg := jsonrpc.NewRegistryBuilder().
		Register("hello", jsonrpc.MethodSpec{}).
		Register("progress", jsonrpc.MethodSpec{
			Params: jsonrpc.TypeOf[float64](),
			Handler: jsonrpc.Typed(func(ctx context.Context, pct float64) (interface{}, error) {
				progress <- pct
				return nil, nil
			}),
		}).
		MustBuild()

	a, b := net.Pipe()
	client := NewConn(a, jsonrpc.NewPeer(jsonrpc.WithRegistry(clientReg)))
	server = NewConn(b, jsonrpc.NewPeer(jsonrpc.WithRegistry(serverReg)))
	serveAll(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := client.Call(ctx, "hello", nil)
	if err != nil || got != "hi" {
		t.Fatalf("Call: got %v, %v", got, err)
	}
	if pct := <-progress; pct != 50 {
		t.Errorf("got progress %v, want 50", pct)
	}
	at := <-attempts
	if !errors.Is(at.callErr, ErrInHandler) || !errors.Is(at.batchErr, ErrInHandler) {
		t.Errorf("got Call %v, Batch %v; want ErrInHandler", at.callErr, at.batchErr)
	}

	// The handler context is only busy while the handler runs.
	if _, err := server.Call(ctx, "progress", 1); err != nil {
		t.Errorf("Call outside handler: %v", err)
	}
}

func TestFrameLimit(t *testing.T) {
	long := strings.Repeat("x", 5000)
	tests := []struct {
		name    string
		limit   int
		input   string
		want    string
		wantErr error
	}{
		{"within limit", 16, "{}\n", "{}", nil},
		{"over limit", 16, strings.Repeat("x", 100) + "\n", "", ErrFrameTooLarge},
		{"spans buffer", 6000, long + "\n", long, nil},
		{"no newline", 4000, long, "", ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := JSONCodec{MaxFrameBytes: tt.limit}.NewReader(strings.NewReader(tt.input))
			frame, err := r.ReadFrame()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && string(frame.([]byte)) != tt.want {
				t.Errorf("got %q", frame)
			}
		})
	}
}
