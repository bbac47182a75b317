// Package p2p provides the addressed, best-effort, in-order message
// transport the capsule protocol runs over. Peers are named in a shared
// JSON configuration; every frame on the wire is a length-prefixed CBOR
// message naming its sender and destination.
//
// Delivery is best-effort: sending to an unreachable peer is not an
// error, and nothing is retransmitted. Within one connection, order is
// preserved. Senders are cheap to copy.
package p2p

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config names this peer and maps every known peer to its listen address.
// Multicast groups are named fan-out lists over the same peers.
type Config struct {
	Name        string              `json:"name"`
	AddrMap     map[string]string   `json:"addr_map"`
	McastGroups map[string][]string `json:"mcast_groups"`
}

// LoadConfig reads a JSON transport configuration from disk.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read transport config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a JSON transport configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse transport config: %w", err)
	}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("transport config: missing peer name")
	}
	if _, ok := cfg.AddrMap[cfg.Name]; !ok {
		return Config{}, fmt.Errorf("transport config: no address for peer %q", cfg.Name)
	}
	return cfg, nil
}

// Message is one transport frame.
type Message struct {
	Dest     string `cbor:"1,keyasint"`
	Sender   string `cbor:"2,keyasint"`
	Content  []byte `cbor:"3,keyasint,omitempty"`
	Metadata []byte `cbor:"4,keyasint,omitempty"`
}
