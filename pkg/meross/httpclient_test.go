package meross

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyWith(t *testing.T, method string, payload map[string]any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := Decode(mustReadAll(t, r.Body))
		require.NoError(t, err)
		reply := NewMessage("key", Request{
			Namespace: req.Header.Namespace,
			Method:    method,
			Payload:   payload,
		}, "/appliance/dev/publish")
		raw, err := reply.Encode()
		require.NoError(t, err)
		_, _ = w.Write(raw)
	}
}

func mustReadAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestHTTPClientRequest(t *testing.T) {
	srv := httptest.NewServer(replyWith(t, MethodGetAck, map[string]any{KeyAll: map[string]any{}}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "/app/test/subscribe", nil)
	defer c.Close()

	reply, err := c.Request(context.Background(), DefaultRequest(NSSystemAll))
	require.NoError(t, err)
	assert.Equal(t, MethodGetAck, reply.Header.Method)
	assert.Equal(t, NSSystemAll, reply.Header.Namespace)
}

func TestHTTPClientRequestStrict(t *testing.T) {
	t.Run("invalid key", func(t *testing.T) {
		srv := httptest.NewServer(replyWith(t, MethodError,
			map[string]any{"error": map[string]any{"code": float64(ErrorCodeInvalidKey)}}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "wrong", "/app/test/subscribe", nil)
		defer c.Close()

		reply, err := c.RequestStrict(context.Background(), DefaultRequest(NSSystemAll))
		assert.ErrorIs(t, err, ErrInvalidKey)
		require.NotNil(t, reply)
		assert.Equal(t, MethodError, reply.Header.Method)
	})

	t.Run("other device error", func(t *testing.T) {
		srv := httptest.NewServer(replyWith(t, MethodError,
			map[string]any{"error": map[string]any{"code": float64(5000)}}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "key", "/app/test/subscribe", nil)
		defer c.Close()

		_, err := c.RequestStrict(context.Background(), DefaultRequest(NSSystemAll))
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, 5000, protoErr.Code)
	})
}

func TestHTTPClientMalformedReply(t *testing.T) {
	body := []byte(`{"header":{"messageId":"abc","namespace":"Appliance.System.All","method":"GETACK"},"payload":{"all":`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "/app/test/subscribe", nil)
	defer c.Close()

	_, err := c.Request(context.Background(), DefaultRequest(NSSystemAll))
	var jsonErr *JSONError
	require.ErrorAs(t, err, &jsonErr)
	assert.Equal(t, body, jsonErr.Body)
	assert.Greater(t, jsonErr.Offset, int64(0))
}

func TestHTTPClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "/app/test/subscribe", nil)
	defer c.Close()

	_, err := c.Request(context.Background(), DefaultRequest(NSSystemAll))
	assert.Error(t, err)
}

func TestClassifyTransportError(t *testing.T) {
	t.Run("connection reset", func(t *testing.T) {
		err := classifyTransportError(context.Background(), syscall.ECONNRESET)
		var reset *ConnResetError
		assert.ErrorAs(t, err, &reset)
	})

	t.Run("unexpected eof", func(t *testing.T) {
		err := classifyTransportError(context.Background(), io.ErrUnexpectedEOF)
		var reset *ConnResetError
		assert.ErrorAs(t, err, &reset)
	})

	t.Run("deadline becomes timeout", func(t *testing.T) {
		err := classifyTransportError(context.Background(), context.DeadlineExceeded)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("caller cancellation wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := classifyTransportError(ctx, errors.New("whatever"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHTTPClientSetHost(t *testing.T) {
	c := NewHTTPClient("192.168.1.10", "key", "/app/test/subscribe", nil)
	defer c.Close()

	assert.Equal(t, "192.168.1.10", c.Host())
	assert.Equal(t, "http://192.168.1.10/config", c.endpoint())
	c.SetHost("192.168.1.20")
	assert.Equal(t, "http://192.168.1.20/config", c.endpoint())
}
