// capsulectl is a small operator CLI for capsule servers: key generation,
// capsule creation, and ad-hoc writes, reads and proofs over the peer
// transport.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/client"
	"github.com/datacapsule/go-capsulelog/p2p"
	"github.com/datacapsule/go-capsulelog/wire"
)

type ctlOptions struct {
	netConfig string
	server    string
	keyFile   string
	encKeyHex string
}

func main() {
	opts := &ctlOptions{}

	root := &cobra.Command{
		Use:           "capsulectl",
		Short:         "DataCapsule client operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.netConfig, "net-config", "net_config.json", "transport peer map (JSON)")
	pf.StringVar(&opts.server, "server", "server", "server peer name")
	pf.StringVar(&opts.keyFile, "key", "client_private.pem", "signing key (PEM)")
	pf.StringVar(&opts.encKeyHex, "enc-key", "", "hex AES-128 body key")

	root.AddCommand(
		newKeygenCmd(),
		newCreateCmd(opts),
		newWriteCmd(opts),
		newReadCmd(opts),
		newProveCmd(opts),
		newFreshestCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a P-256 signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := capsule.GenerateKey()
			if err != nil {
				return err
			}
			pemBytes, err := capsule.MarshalPrivateKeyPEM(key)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return err
			}
			fmt.Printf("public key: %s\n", hex.EncodeToString(capsule.MarshalPublicKey(&key.PublicKey)))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "client_private.pem", "output key file")
	return cmd
}

func parseHash(s string) (capsule.Hash, error) {
	var h capsule.Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != capsule.HashSize {
		return h, fmt.Errorf("expected %d hex bytes, got %q", capsule.HashSize, s)
	}
	copy(h[:], raw)
	return h, nil
}

// dial assembles a one-shot connection for a single exchange.
func dial(opts *ctlOptions) (*client.Connection, func(), error) {
	cfg, err := p2p.LoadConfig(opts.netConfig)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(opts.keyFile)
	if err != nil {
		return nil, nil, err
	}
	key, err := capsule.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	var encKey capsule.SymmetricKey
	if opts.encKeyHex != "" {
		raw, err := hex.DecodeString(opts.encKeyHex)
		if err != nil || len(raw) != len(encKey) {
			return nil, nil, fmt.Errorf("enc-key must be %d hex bytes", len(encKey))
		}
		copy(encKey[:], raw)
	}

	comm, err := p2p.Listen(cfg, zerolog.Nop())
	if err != nil {
		return nil, nil, err
	}
	conn, err := client.NewConnection(cfg.Name, key, encKey, comm.NewSender(), client.StartInbox(comm))
	if err != nil {
		comm.Close()
		return nil, nil, err
	}
	return conn, func() { comm.Close() }, nil
}

// exchange ships one batch and waits for its verified results.
func exchange(opts *ctlOptions, conn *client.Connection, reqs []wire.Request, syncs []client.Sync, serverPub *ecdsa.PublicKey) ([]client.Result, error) {
	if err := conn.Send(reqs, opts.server, false); err != nil {
		return nil, err
	}
	return conn.Await(syncs, serverPub)
}

func loadServerPub(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("server public key %s: %w", path, err)
	}
	return capsule.ParsePublicKey(decoded)
}

func newCreateCmd(opts *ctlOptions) *cobra.Command {
	var desc, writerPubHex, serverPubFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a capsule and print its name",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, done, err := dial(opts)
			if err != nil {
				return err
			}
			defer done()
			serverPub, err := loadServerPub(serverPubFile)
			if err != nil {
				return err
			}
			raw, err := hex.DecodeString(writerPubHex)
			if err != nil {
				return err
			}
			writerPub, err := capsule.ParsePublicKey(raw)
			if err != nil {
				return err
			}
			req, sync, name, err := conn.CreateRequest(writerPub, desc)
			if err != nil {
				return err
			}
			results, err := exchange(opts, conn, []wire.Request{req}, []client.Sync{sync}, serverPub)
			if err != nil {
				return err
			}
			if results[0].Err != nil {
				return results[0].Err
			}
			fmt.Printf("capsule: %s\n", hex.EncodeToString(name[:]))
			return nil
		},
	}
	bindServerPub(cmd.Flags(), &serverPubFile)
	cmd.Flags().StringVar(&desc, "description", "", "capsule description")
	cmd.Flags().StringVar(&writerPubHex, "writer-pub", "", "hex writer public key")
	return cmd
}

func bindServerPub(fs *pflag.FlagSet, target *string) {
	fs.StringVar(target, "server-pub", "server_public.hex", "server public key file (hex)")
}

// withCapsule runs fn on an initialised session.
func withCapsule(opts *ctlOptions, dcHex, serverPubFile string, fn func(conn *client.Connection, serverPub *ecdsa.PublicKey, dc capsule.Hash) error) error {
	dc, err := parseHash(dcHex)
	if err != nil {
		return err
	}
	conn, done, err := dial(opts)
	if err != nil {
		return err
	}
	defer done()
	serverPub, err := loadServerPub(serverPubFile)
	if err != nil {
		return err
	}
	initReq, initSync := conn.InitRequest(dc)
	results, err := exchange(opts, conn, []wire.Request{initReq}, []client.Sync{initSync}, serverPub)
	if err != nil {
		return err
	}
	if results[0].Err != nil {
		return fmt.Errorf("init: %w", results[0].Err)
	}
	return fn(conn, serverPub, dc)
}

func newWriteCmd(opts *ctlOptions) *cobra.Command {
	var dcHex, serverPubFile, prevHex string
	cmd := &cobra.Command{
		Use:   "write [data...]",
		Short: "write records and chain them to the previous head",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCapsule(opts, dcHex, serverPubFile, func(conn *client.Connection, serverPub *ecdsa.PublicKey, dc capsule.Hash) error {
				prev := dc
				if prevHex != "" {
					var err error
					if prev, err = parseHash(prevHex); err != nil {
						return err
					}
				}
				var reqs []wire.Request
				var syncs []client.Sync
				for _, arg := range args {
					req, sync, name, err := conn.WriteRecordRequest([]byte(arg), []capsule.BackPtr{{Ptr: prev}})
					if err != nil {
						return err
					}
					reqs = append(reqs, req)
					syncs = append(syncs, sync)
					prev = name
				}
				signReq, signSync, err := conn.SignRequest(prev)
				if err != nil {
					return err
				}
				reqs = append(reqs, signReq)
				syncs = append(syncs, signSync)

				results, err := exchange(opts, conn, reqs, syncs, serverPub)
				if err != nil {
					return err
				}
				for _, r := range results {
					if r.Err != nil {
						return r.Err
					}
					fmt.Printf("%s\n", hex.EncodeToString(r.Name[:]))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dcHex, "capsule", "", "capsule name (hex)")
	cmd.Flags().StringVar(&prevHex, "prev", "", "previous record to chain to (hex), defaults to the capsule name")
	bindServerPub(cmd.Flags(), &serverPubFile)
	return cmd
}

func newReadCmd(opts *ctlOptions) *cobra.Command {
	var dcHex, serverPubFile string
	cmd := &cobra.Command{
		Use:   "read <record>",
		Short: "read and decrypt a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCapsule(opts, dcHex, serverPubFile, func(conn *client.Connection, serverPub *ecdsa.PublicKey, dc capsule.Hash) error {
				name, err := parseHash(args[0])
				if err != nil {
					return err
				}
				req, sync := conn.ReadRequest(name)
				results, err := exchange(opts, conn, []wire.Request{req}, []client.Sync{sync}, serverPub)
				if err != nil {
					return err
				}
				if results[0].Err != nil {
					return results[0].Err
				}
				os.Stdout.Write(results[0].Plaintext)
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dcHex, "capsule", "", "capsule name (hex)")
	bindServerPub(cmd.Flags(), &serverPubFile)
	return cmd
}

func newProveCmd(opts *ctlOptions) *cobra.Command {
	var dcHex, serverPubFile string
	cmd := &cobra.Command{
		Use:   "prove <record>",
		Short: "request and verify an inclusion proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCapsule(opts, dcHex, serverPubFile, func(conn *client.Connection, serverPub *ecdsa.PublicKey, dc capsule.Hash) error {
				name, err := parseHash(args[0])
				if err != nil {
					return err
				}
				req, sync := conn.ProofRequest(name)
				results, err := exchange(opts, conn, []wire.Request{req}, []client.Sync{sync}, serverPub)
				if err != nil {
					return err
				}
				if results[0].Err != nil {
					return results[0].Err
				}
				fmt.Println("proof verified")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dcHex, "capsule", "", "capsule name (hex)")
	bindServerPub(cmd.Flags(), &serverPubFile)
	return cmd
}

func newFreshestCmd(opts *ctlOptions) *cobra.Command {
	var dcHex, serverPubFile string
	cmd := &cobra.Command{
		Use:   "freshest",
		Short: "list the current signed branch heads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCapsule(opts, dcHex, serverPubFile, func(conn *client.Connection, serverPub *ecdsa.PublicKey, dc capsule.Hash) error {
				req, sync := conn.FreshestRequest()
				results, err := exchange(opts, conn, []wire.Request{req}, []client.Sync{sync}, serverPub)
				if err != nil {
					return err
				}
				if results[0].Err != nil {
					return results[0].Err
				}
				for _, commit := range results[0].Commits {
					fmt.Printf("%s\n", hex.EncodeToString(commit.Name[:]))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dcHex, "capsule", "", "capsule name (hex)")
	bindServerPub(cmd.Flags(), &serverPubFile)
	return cmd
}
