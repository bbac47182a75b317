package p2p

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePorts grabs n distinct loopback ports.
func freePorts(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
		addrs[i] = l.Addr().String()
	}
	for _, l := range listeners {
		l.Close()
	}
	return addrs
}

func pairConfigs(t *testing.T) (Config, Config) {
	addrs := freePorts(t, 2)
	addrMap := map[string]string{"alice": addrs[0], "bob": addrs[1]}
	groups := map[string][]string{"everyone": {"alice", "bob"}}
	return Config{Name: "alice", AddrMap: addrMap, McastGroups: groups},
		Config{Name: "bob", AddrMap: addrMap, McastGroups: groups}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"name": "s1",
		"addr_map": {"s1": "127.0.0.1:9000", "c1": "127.0.0.1:9001"},
		"mcast_groups": {"servers": ["s1"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", cfg.Name)
	assert.Equal(t, "127.0.0.1:9001", cfg.AddrMap["c1"])

	_, err = ParseConfig([]byte(`{"addr_map": {}}`))
	assert.Error(t, err)
	_, err = ParseConfig([]byte(`{"name": "x", "addr_map": {"y": ":1"}}`))
	assert.Error(t, err)
}

func TestSendReceiveInOrder(t *testing.T) {
	aliceCfg, bobCfg := pairConfigs(t)
	log := zerolog.Nop()

	alice, err := Listen(aliceCfg, log)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Listen(bobCfg, log)
	require.NoError(t, err)
	defer bob.Close()

	// each side accepts the single connection between them
	type acceptResult struct {
		r   *Receiver
		err error
	}
	bobAccepted := make(chan acceptResult, 1)
	go func() {
		r, err := bob.Accept()
		bobAccepted <- acceptResult{r, err}
	}()
	aliceRecv, err := alice.Accept()
	require.NoError(t, err)
	ar := <-bobAccepted
	require.NoError(t, ar.err)
	bobRecv := ar.r

	assert.Equal(t, "bob", aliceRecv.Peer())
	assert.Equal(t, "alice", bobRecv.Peer())

	sender := alice.NewSender()
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, sender.SendOne(Message{
			Dest:    "bob",
			Sender:  "alice",
			Content: []byte(fmt.Sprintf("msg-%03d", i)),
		}))
	}

	for i := 0; i < n; i++ {
		m, err := bobRecv.Receive()
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "alice", m.Sender)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(m.Content))
	}
}

func TestSendToUnknownPeerIsDropped(t *testing.T) {
	aliceCfg, _ := pairConfigs(t)
	alice, err := Listen(aliceCfg, zerolog.Nop())
	require.NoError(t, err)
	defer alice.Close()

	sender := alice.NewSender()
	assert.NoError(t, sender.SendOne(Message{Dest: "nobody", Sender: "alice"}))
}

func TestSendMultiUnknownGroup(t *testing.T) {
	aliceCfg, _ := pairConfigs(t)
	alice, err := Listen(aliceCfg, zerolog.Nop())
	require.NoError(t, err)
	defer alice.Close()

	err = alice.NewSender().SendMulti(Message{Dest: "no-such-group"})
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestReceiveAfterPeerClose(t *testing.T) {
	aliceCfg, bobCfg := pairConfigs(t)
	log := zerolog.Nop()

	alice, err := Listen(aliceCfg, log)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Listen(bobCfg, log)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := bob.Accept()
		if err == nil {
			r.Close()
		}
		bob.Close()
	}()
	aliceRecv, err := alice.Accept()
	require.NoError(t, err)
	<-done

	deadline := time.After(5 * time.Second)
	got := make(chan error, 1)
	go func() {
		_, err := aliceRecv.Receive()
		got <- err
	}()
	select {
	case err := <-got:
		assert.NoError(t, err) // clean close reads as nil, nil
	case <-deadline:
		t.Fatal("Receive did not return after peer close")
	}
}
