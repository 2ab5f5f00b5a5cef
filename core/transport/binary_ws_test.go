package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryAdapter_SendBinary_DeliversToServer(t *testing.T) {
	received := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adapter, err := ServeBinary(w, r)
		require.NoError(t, err)
		adapter.OnInbound(func(data []byte) { received <- data })
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialBinary(wsURL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendBinary(context.Background(), []byte("block-payload")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("block-payload"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestBinaryAdapter_Close_RejectsFurtherSends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := ServeBinary(w, r)
		require.NoError(t, err)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialBinary(wsURL)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	err = client.SendBinary(context.Background(), []byte("x"))
	assert.Error(t, err)
}
