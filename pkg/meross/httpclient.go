package meross

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// HTTP transport timing. A healthy appliance answers on the LAN well under a
// second; the timeout starts low and relaxes on consecutive timeouts so a
// busy device gets a second chance within the same request.
const (
	httpTimeoutStart   = 1 * time.Second
	httpTimeoutCeiling = 5 * time.Second
)

// ErrTimeout is returned when the device did not answer within the relaxed
// timeout ceiling.
var ErrTimeout = errors.New("meross: http request timeout")

// ErrInvalidKey is returned by RequestStrict when the device rejects the
// message signature (ERROR code 5001).
var ErrInvalidKey = errors.New("meross: device rejected key")

// JSONError reports a reply body that failed to parse. Offset is the byte
// position of the syntax error when known (0 otherwise); callers use it
// against len(Body) to classify truncated replies.
type JSONError struct {
	Body   []byte
	Offset int64
	Err    error
}

func (e *JSONError) Error() string {
	return fmt.Sprintf("meross: malformed reply at offset %d of %d: %v", e.Offset, len(e.Body), e.Err)
}

func (e *JSONError) Unwrap() error { return e.Err }

// ConnResetError reports the device closing the connection mid-response.
// Devices do this when the reply would exceed their transmit buffer, and
// as the expected acknowledgement of an UNBIND.
type ConnResetError struct {
	Err error
}

func (e *ConnResetError) Error() string {
	return fmt.Sprintf("meross: connection reset: %v", e.Err)
}

func (e *ConnResetError) Unwrap() error { return e.Err }

// ProtocolError reports an ERROR method reply from the device.
type ProtocolError struct {
	Code    int
	Payload map[string]any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("meross: device error code %d", e.Code)
}

// HTTPClient posts signed envelopes to an appliance's LAN endpoint
// (http://<host>/config). Safe for use by one device engine; requests are
// serialized by the caller.
type HTTPClient struct {
	logger *zap.Logger
	client *http.Client

	mu   sync.Mutex
	host string
	key  string
	from string
}

// NewHTTPClient builds a client for a device at host. from is the reply
// topic stamped into outgoing headers, key the shared signing key.
func NewHTTPClient(host, key, from string, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		logger: logger.With(zap.String("component", "httpclient"), zap.String("host", host)),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    1,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		host: host,
		key:  key,
		from: from,
	}
}

// Host returns the configured device address.
func (c *HTTPClient) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// SetHost repoints the client at a new device address.
func (c *HTTPClient) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
}

// SetKey replaces the signing key.
func (c *HTTPClient) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// Close releases idle connections.
func (c *HTTPClient) Close() {
	c.client.CloseIdleConnections()
}

func (c *HTTPClient) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	host := c.host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host + "/config"
}

// Request signs and posts a request, relaxing the timeout on consecutive
// timeouts up to the ceiling. Returns the decoded reply, or a typed error
// (ErrTimeout, *ConnResetError, *JSONError) for the caller to classify.
func (c *HTTPClient) Request(ctx context.Context, req Request) (*Message, error) {
	c.mu.Lock()
	msg := NewMessage(c.key, req, c.from)
	c.mu.Unlock()
	return c.RequestMessage(ctx, msg)
}

// RequestMessage posts an already-built envelope.
func (c *HTTPClient) RequestMessage(ctx context.Context, msg *Message) (*Message, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	endpoint := c.endpoint()

	for timeout := httpTimeoutStart; ; timeout *= 2 {
		reply, err := c.post(ctx, endpoint, body, timeout)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrTimeout) && timeout*2 <= httpTimeoutCeiling {
			c.logger.Debug("request timeout, relaxing",
				zap.Duration("timeout", timeout),
				zap.String("namespace", msg.Header.Namespace))
			continue
		}
		return nil, err
	}
}

// RequestStrict behaves like Request but converts ERROR replies into typed
// errors, ErrInvalidKey for signature rejection.
func (c *HTTPClient) RequestStrict(ctx context.Context, req Request) (*Message, error) {
	reply, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply.Header.Method == MethodError {
		code := reply.ErrorCode()
		if code == ErrorCodeInvalidKey {
			return reply, ErrInvalidKey
		}
		return reply, &ProtocolError{Code: code, Payload: reply.Payload}
	}
	return reply, nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) (*Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("meross: http status %d", resp.StatusCode)
	}

	reply, err := Decode(raw)
	if err != nil {
		return nil, &JSONError{Body: raw, Offset: syntaxOffset(err), Err: err}
	}
	return reply, nil
}

func syntaxOffset(err error) int64 {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return syn.Offset
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return typ.Offset
	}
	return 0
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if isConnReset(err) {
		return &ConnResetError{Err: err}
	}
	return fmt.Errorf("meross: http transport: %w", err)
}

func isConnReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	// Some resets surface only as url.Error text.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
