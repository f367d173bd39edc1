package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// compareAndDelScript deletes KEYS[1] only when it still holds ARGV[1].
const compareAndDelScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ValkeyProvider implements Provider against a Valkey/Redis-compatible server using RESP2.
// Each command runs on a fresh connection; keys are namespaced by KeyPrefix.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	KeyPrefix    string
}

// NewValkeyProvider creates a Provider and pings the server to fail fast on bad
// credentials or connectivity.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyDefaults(&cfg)
	p := &ValkeyProvider{cfg: cfg}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(pingCtx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != kindSimple || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected valkey reply %q for GET", reply.kind)
	}
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, "SET", withTTL([][]byte{p.key(key), value}, ttl)...)
	if err != nil {
		return err
	}
	if reply.kind != kindSimple || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := append(withTTL([][]byte{p.key(key), value}, ttl), []byte("NX"))
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case kindSimple:
		return true, nil
	case kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected SET NX response %q", reply.kind)
	}
}

// CompareAndDel removes key only while it holds value.
func (p *ValkeyProvider) CompareAndDel(ctx context.Context, key string, value []byte) (bool, error) {
	reply, err := p.do(ctx, "EVAL", []byte(compareAndDelScript), []byte("1"), p.key(key), value)
	if err != nil {
		return false, err
	}
	if reply.kind != kindInteger {
		return false, fmt.Errorf("unexpected EVAL response %q", reply.kind)
	}
	return string(reply.data) == "1", nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) key(k string) []byte {
	if p.cfg.KeyPrefix == "" {
		return []byte(k)
	}
	return []byte(p.cfg.KeyPrefix + ":" + k)
}

func withTTL(args [][]byte, ttl time.Duration) [][]byte {
	if ttl <= 0 {
		return args
	}
	return append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
}

// do runs one command, retrying network timeouts up to MaxRetries attempts.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...[]byte) (reply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		r, err := p.once(ctx, command, args)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !isTimeout(err) || attempt == p.cfg.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return reply{}, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 25 * time.Millisecond):
		}
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) once(ctx context.Context, command string, args [][]byte) (reply, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return reply{}, err
	}
	defer c.conn.Close()

	if p.cfg.Password != "" {
		auth := [][]byte{[]byte(p.cfg.Password)}
		if p.cfg.Username != "" {
			auth = [][]byte{[]byte(p.cfg.Username), []byte(p.cfg.Password)}
		}
		if err := c.expectOK("AUTH", auth); err != nil {
			return reply{}, fmt.Errorf("auth failed: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if err := c.expectOK("SELECT", [][]byte{[]byte(strconv.Itoa(p.cfg.DB))}); err != nil {
			return reply{}, fmt.Errorf("select failed: %w", err)
		}
	}
	if err := c.send(command, args); err != nil {
		return reply{}, err
	}
	return c.receive()
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostOf(p.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn), cfg: p.cfg}, nil
}

type replyKind string

const (
	kindSimple  replyKind = "simple"
	kindBulk    replyKind = "bulk"
	kindInteger replyKind = "integer"
	kindNil     replyKind = "nil"
)

type reply struct {
	kind replyKind
	data []byte
}

// respConn frames RESP2 commands and replies over one connection.
type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	cfg  ValkeyConfig
}

func (c *respConn) expectOK(command string, args [][]byte) error {
	if err := c.send(command, args); err != nil {
		return err
	}
	r, err := c.receive()
	if err != nil {
		return err
	}
	if r.kind != kindSimple || !strings.EqualFold(string(r.data), "OK") {
		return fmt.Errorf("%s: %s", command, r.data)
	}
	return nil
}

func (c *respConn) send(command string, args [][]byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.w, "*%d\r\n", len(args)+1)
	writeBulk(c.w, []byte(command))
	for _, a := range args {
		writeBulk(c.w, a)
	}
	return c.w.Flush()
}

func writeBulk(w *bufio.Writer, b []byte) {
	fmt.Fprintf(w, "$%d\r\n", len(b))
	w.Write(b)
	w.WriteString("\r\n")
}

func (c *respConn) receive() (reply, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return reply{}, err
	}
	prefix, err := c.r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := c.line()
	if err != nil {
		return reply{}, err
	}
	switch prefix {
	case '+':
		return reply{kind: kindSimple, data: line}, nil
	case '-':
		return reply{}, errors.New(string(line))
	case ':':
		return reply{kind: kindInteger, data: line}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, err
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk string termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *respConn) line() ([]byte, error) {
	s, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(s, "\r\n")), nil
}

func applyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
