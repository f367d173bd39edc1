package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeValkey speaks just enough RESP2 to exercise the provider.
type fakeValkey struct {
	ln   net.Listener
	mu   sync.Mutex
	data map[string]string
	seen []string
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeValkey{ln: ln, data: map[string]string{}}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		fmt.Fprint(conn, f.exec(args))
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, _ := strconv.Atoi(strings.TrimSpace(sizeLine[1:]))
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (f *fakeValkey) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, strings.Join(args, " "))
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := strings.EqualFold(args[len(args)-1], "NX")
		if _, exists := f.data[args[1]]; nx && exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		delete(f.data, args[1])
		return ":1\r\n"
	case "EVAL":
		key, want := args[3], args[4]
		if f.data[key] == want {
			delete(f.data, key)
			return ":1\r\n"
		}
		return ":0\r\n"
	default:
		return "-ERR unknown command\r\n"
	}
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t)
	ctx := context.Background()

	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: srv.ln.Addr().String(), KeyPrefix: "ps"})
	require.NoError(t, err)

	_, err = p.Get(ctx, "topic:US1")
	assert.True(t, errors.Is(err, ErrCacheMiss))

	require.NoError(t, p.Set(ctx, "topic:US1", []byte("battery"), time.Minute))
	got, err := p.Get(ctx, "topic:US1")
	require.NoError(t, err)
	assert.Equal(t, "battery", string(got))

	ok, err := p.SetNX(ctx, "topic:US1", []byte("other"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.CompareAndDel(ctx, "topic:US1", []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.CompareAndDel(ctx, "topic:US1", []byte("battery"))
	require.NoError(t, err)
	assert.True(t, ok)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.seen, "SET ps:topic:US1 battery PX 60000")
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{})
	require.Error(t, err)
}

func TestMemoryProviderExpiry(t *testing.T) {
	m := NewMemoryProvider()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()

	first, err := AcquireLease(ctx, m, "run:aggregation", time.Minute)
	require.NoError(t, err)

	_, err = AcquireLease(ctx, m, "run:aggregation", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, first.Release(ctx))
	second, err := AcquireLease(ctx, m, "run:aggregation", time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}
