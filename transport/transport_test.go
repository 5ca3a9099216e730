package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daoengine/wire"
)

func TestTCPSendReceivesDecodedMessage(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	var mu sync.Mutex
	var got []wire.Message
	received := make(chan struct{}, 1)
	go server.Serve(func(sender string, msg wire.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		received <- struct{}{}
	})

	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	err = client.Send(server.listener.Addr().String(), wire.Message{Kind: wire.TPCAck, OperationID: 77})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, wire.TPCAck, got[0].Kind)
	assert.Equal(t, uint64(77), got[0].OperationID)
}

func TestTCPSendToUnreachableAddressErrors(t *testing.T) {
	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	err = client.Send("127.0.0.1:1", wire.Message{Kind: wire.TPCAck, OperationID: 1})
	assert.Error(t, err)
}
