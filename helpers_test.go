package mailsink

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsink/sasl"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret123"
)

// testAuthFactory offers PLAIN and LOGIN for testUser.
func testAuthFactory() sasl.Factory {
	v := sasl.NewStaticValidator(testUser, testPassword)
	return sasl.Composite(sasl.NewPlainFactory(v), sasl.NewLoginFactory(v))
}

// testClient is a raw SMTP client for byte-exact protocol tests.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	c := &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
	t.Cleanup(c.close)
	return c
}

func newTestClientErr(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, time.Second)
}

// readGreeting reads the first reply line from conn.
func readGreeting(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// dialReady connects and consumes the 220 greeting.
func dialReady(t *testing.T, addr string) *testClient {
	t.Helper()
	c := newTestClient(t, addr)
	c.expectCode(220)
	return c
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) send(cmd string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	require.NoError(c.t, err, "send %q", cmd)
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(data))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err, "read reply")
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

func (c *testClient) expectCode(code int) string {
	c.t.Helper()
	line := c.readLine()
	require.Equal(c.t, code, replyCode(line), "reply: %s", line)
	return line
}

func (c *testClient) expectMultilineCode(code int) []string {
	c.t.Helper()
	lines := c.readMultiline()
	require.Equal(c.t, code, replyCode(lines[len(lines)-1]), "reply: %v", lines)
	return lines
}

// cmd sends a command and returns the single-line reply.
func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

func (c *testClient) ehlo() []string {
	c.t.Helper()
	c.send("EHLO client.example.com")
	return c.expectMultilineCode(250)
}

// expectClosed asserts that the server closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.reader.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

// upgradeTLS performs the client side of STARTTLS after the 220 reply.
func (c *testClient) upgradeTLS(pool *x509.CertPool) {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{RootCAs: pool, ServerName: "test.example.com"})
	require.NoError(c.t, tlsConn.Handshake())
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
}

func replyCode(line string) int {
	if len(line) < 3 {
		return 0
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0
	}
	return code
}

// isolateTempDir points os.TempDir at a fresh directory and returns a
// function that lists what is left in it.
func isolateTempDir(t *testing.T) func() []string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return func() []string {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names
	}
}

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer serves config on a random loopback port. The server is
// closed when the test ends.
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()
	if config.Hostname == "" {
		config.Hostname = "test.example.com"
	}
	config.Logger = discardLogger()

	server, err := NewServer(config)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() { _ = server.Close() })

	return server, ln.Addr().String()
}

// delivered is one Deliver call seen by a recordingListener.
type delivered struct {
	from      string
	recipient string
	body      string
	ctx       *MessageContext
}

// recordingListener records every call. It accepts recipients for which
// accept returns true, or all of them when accept is nil.
type recordingListener struct {
	accept     func(recipient string) bool
	deliverErr error

	mu         sync.Mutex
	accepted   []string
	deliveries []delivered
	done       int
}

func (l *recordingListener) Accept(ctx context.Context, from, recipient string) bool {
	if l.accept != nil && !l.accept(recipient) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = append(l.accepted, recipient)
	return true
}

func (l *recordingListener) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	mc, _ := MessageContextFrom(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries = append(l.deliveries, delivered{from: from, recipient: recipient, body: string(data), ctx: mc})
	return l.deliverErr
}

func (l *recordingListener) Done(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done++
}

func (l *recordingListener) doneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *recordingListener) got() []delivered {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]delivered(nil), l.deliveries...)
}

// generateTestCert creates a self-signed certificate for test.example.com.
func generateTestCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test"},
			CommonName:   "test.example.com",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"test.example.com", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return cert, pool
}
