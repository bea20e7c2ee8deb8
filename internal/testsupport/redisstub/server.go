// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP2 for the pieces of Redis this codebase touches: stream
// commands for the status fan-out queue and counter commands for the
// presign rate limiter. Tests get a real TCP endpoint without a Redis
// daemon.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}

	mu       sync.Mutex
	streams  map[string]*stream
	counters map[string]*counter

	tlsCert tls.Certificate
	certPEM []byte
	keyPEM  []byte
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields map[string]string
}

type group struct {
	cursor  int
	pending map[string]struct{}
}

type counter struct {
	value  int64
	expiry time.Time
}

// Start listens on an ephemeral localhost port and serves until Close.
func Start(opts Options) (*Server, error) {
	s := &Server{
		opts:     opts,
		closed:   make(chan struct{}),
		streams:  make(map[string]*stream),
		counters: make(map[string]*counter),
	}

	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		s.tlsCert = cert
		s.certPEM = certPEM
		s.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) CertPEM() []byte { return s.certPEM }

func (s *Server) KeyPEM() []byte { return s.keyPEM }

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go newSession(s, conn).run()
	}
}

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	authed bool
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server: server,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		authed: server.opts.Password == "",
	}
}

func (c *session) run() {
	defer c.conn.Close()
	for {
		args, err := readCommand(c.reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if c.replyError("ERR empty command") != nil {
				return
			}
			continue
		}
		if c.handle(args) != nil {
			return
		}
	}
}

// handle replies to one command. Unknown commands get an error reply but
// keep the connection open, which is what go-redis expects when its HELLO
// probe is refused and it falls back to RESP2.
func (c *session) handle(args []string) error {
	switch strings.ToUpper(args[0]) {
	case "PING":
		return c.replySimple("PONG")
	case "HELLO":
		return c.replyError("ERR unknown command 'hello'")
	case "CLIENT", "SELECT":
		return c.replySimple("OK")
	case "AUTH":
		return c.handleAuth(args)
	}

	if !c.authed {
		return c.replyError("NOAUTH Authentication required.")
	}

	switch strings.ToUpper(args[0]) {
	case "XADD":
		return c.handleXAdd(args)
	case "XGROUP":
		return c.handleXGroup(args)
	case "XREADGROUP":
		return c.handleXReadGroup(args)
	case "XACK":
		return c.handleXAck(args)
	case "INCR":
		return c.handleIncr(args)
	case "EXPIRE":
		return c.handleExpire(args)
	case "TTL":
		return c.handleTTL(args)
	default:
		return c.replyError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(args[0])))
	}
}

func (c *session) handleAuth(args []string) error {
	// AUTH password | AUTH user password
	supplied := ""
	switch len(args) {
	case 2:
		supplied = args[1]
	case 3:
		supplied = args[2]
	default:
		return c.replyError("ERR wrong number of arguments for 'auth'")
	}
	if c.server.opts.Password == "" || supplied == c.server.opts.Password {
		c.authed = true
		return c.replySimple("OK")
	}
	return c.replyError("WRONGPASS invalid username-password pair")
}

func (c *session) handleXAdd(args []string) error {
	if len(args) < 5 || len(args)%2 == 0 {
		return c.replyError("ERR wrong number of arguments for 'xadd'")
	}
	id := args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	fields := make(map[string]string, (len(args)-3)/2)
	for i := 3; i+1 < len(args); i += 2 {
		fields[args[i]] = args[i+1]
	}

	c.server.mu.Lock()
	strm := c.server.stream(args[1])
	strm.entries = append(strm.entries, entry{id: id, fields: fields})
	c.server.mu.Unlock()

	return c.replyBulk(id)
}

func (c *session) handleXGroup(args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return c.replyError("ERR only XGROUP CREATE is supported")
	}
	name := args[3]

	c.server.mu.Lock()
	strm := c.server.stream(args[2])
	_, exists := strm.groups[name]
	if !exists {
		strm.groups[name] = &group{pending: make(map[string]struct{})}
	}
	c.server.mu.Unlock()

	if exists {
		return c.replyError("BUSYGROUP Consumer Group name already exists")
	}
	return c.replySimple("OK")
}

func (c *session) handleXReadGroup(args []string) error {
	var groupName, streamName string
	count := 1
	var block time.Duration
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return c.replyError("ERR syntax error")
			}
			groupName = args[i+1]
			i += 2 // consumer name ignored
		case "COUNT":
			if i+1 >= len(args) {
				return c.replyError("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return c.replyError("ERR value is not an integer")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return c.replyError("ERR syntax error")
			}
			ms, err := strconv.Atoi(args[i+1])
			if err != nil {
				return c.replyError("ERR value is not an integer")
			}
			block = time.Duration(ms) * time.Millisecond
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return c.replyError("ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		return c.replyError("ERR missing stream or group")
	}

	deadline := time.Now().Add(block)
	for {
		batch := c.server.claim(streamName, groupName, count)
		if len(batch) > 0 {
			return c.replyArray([]any{batch})
		}
		if block <= 0 || time.Now().After(deadline) {
			return c.replyNil()
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (c *session) handleXAck(args []string) error {
	if len(args) < 4 {
		return c.replyError("ERR wrong number of arguments for 'xack'")
	}
	acked := c.server.ack(args[1], args[2], args[3:])
	return c.replyInteger(int64(acked))
}

func (c *session) handleIncr(args []string) error {
	if len(args) != 2 {
		return c.replyError("ERR wrong number of arguments for 'incr'")
	}
	c.server.mu.Lock()
	cnt := c.server.counters[args[1]]
	if cnt == nil || (!cnt.expiry.IsZero() && time.Now().After(cnt.expiry)) {
		cnt = &counter{}
		c.server.counters[args[1]] = cnt
	}
	cnt.value++
	value := cnt.value
	c.server.mu.Unlock()
	return c.replyInteger(value)
}

func (c *session) handleExpire(args []string) error {
	if len(args) != 3 {
		return c.replyError("ERR wrong number of arguments for 'expire'")
	}
	seconds, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return c.replyError("ERR value is not an integer")
	}
	c.server.mu.Lock()
	cnt := c.server.counters[args[1]]
	if cnt == nil {
		cnt = &counter{}
		c.server.counters[args[1]] = cnt
	}
	cnt.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
	c.server.mu.Unlock()
	return c.replyInteger(1)
}

func (c *session) handleTTL(args []string) error {
	if len(args) != 2 {
		return c.replyError("ERR wrong number of arguments for 'ttl'")
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	cnt := c.server.counters[args[1]]
	if cnt == nil || cnt.expiry.IsZero() {
		return c.replyInteger(-1)
	}
	remaining := time.Until(cnt.expiry)
	if remaining <= 0 {
		delete(c.server.counters, args[1])
		return c.replyInteger(-2)
	}
	return c.replyInteger(int64(remaining / time.Second))
}

func (s *Server) stream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

// claim hands the next unread entries to the group and marks them pending.
func (s *Server) claim(streamName, groupName string, count int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(streamName)
	grp, ok := strm.groups[groupName]
	if !ok {
		grp = &group{pending: make(map[string]struct{})}
		strm.groups[groupName] = grp
	}
	if grp.cursor >= len(strm.entries) {
		return nil
	}
	end := grp.cursor + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]any, 0, end-grp.cursor)
	for _, e := range strm.entries[grp.cursor:end] {
		grp.pending[e.id] = struct{}{}
		fields := make([]any, 0, len(e.fields)*2)
		for k, v := range e.fields {
			fields = append(fields, k, v)
		}
		records = append(records, []any{e.id, fields})
	}
	grp.cursor = end
	return []any{streamName, records}
}

func (s *Server) ack(streamName, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, pending := grp.pending[id]; pending {
			delete(grp.pending, id)
			acked++
		}
	}
	return acked
}

// RESP plumbing.

func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arg, err := readBulk(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulk(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func (c *session) replySimple(value string) error {
	if _, err := fmt.Fprintf(c.writer, "+%s\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) replyError(msg string) error {
	if _, err := fmt.Fprintf(c.writer, "-%s\r\n", msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) replyBulk(value string) error {
	if _, err := fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) replyNil() error {
	if _, err := c.writer.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) replyInteger(value int64) error {
	if _, err := fmt.Fprintf(c.writer, ":%d\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) replyArray(values []any) error {
	if err := writeValue(c.writer, values); err != nil {
		return err
	}
	return c.writer.Flush()
}

func writeValue(w *bufio.Writer, value any) error {
	switch v := value.(type) {
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case []any:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		s := fmt.Sprint(v)
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		return err
	}
}

func selfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}
