package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/node"
)

// keygenCommand emits a fresh validator key: an ed25519 keypair. The node
// treats a 32-byte ed25519 seed as its one
// validator key, expanding it into the Ristretto scalar used for both
// VRF evaluation and block signing (crypto.ValidatorKeyFromSeed).
var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate a validator key and print its seed, pubkey and address",
	Action: func(c *cli.Context) error {
		seed, err := crypto.GenerateEd25519Seed()
		if err != nil {
			return fmt.Errorf("keygen: %w", err)
		}
		_, pubkey := crypto.ValidatorKeyFromSeed(seed)
		addr := crypto.Blake2b256(pubkey[:])

		fmt.Printf("seed:    %s\n", crypto.EncodeHexKey(seed[:]))
		fmt.Printf("pubkey:  0x%x\n", pubkey)
		fmt.Printf("address: 0x%x\n", addr[12:])
		return nil
	},
}

// createAccountCommand emits a fresh secp256k1 keypair and its derived
// 20-byte address, the key material map_sendTransaction signs with when
// supplied via --key.
var createAccountCommand = &cli.Command{
	Name:  "create_account",
	Usage: "generate an account key and print its privkey and address",
	Action: func(c *cli.Context) error {
		prv, err := crypto.GenerateSecp256k1Key()
		if err != nil {
			return fmt.Errorf("create_account: %w", err)
		}
		addr := crypto.AddressFromPubkey(prv.PubKey())

		fmt.Printf("privkey: %s\n", crypto.EncodeHexKey(prv.Serialize()))
		fmt.Printf("address: 0x%x\n", addr)
		return nil
	},
}

// cleanCommand deletes the chain/state KV store under <datadir>/mapdata.
// It leaves the p2p node key and keystore untouched, since those identify
// the node independently of its chain history.
var cleanCommand = &cli.Command{
	Name:  "clean",
	Usage: "delete chain data",
	Flags: []cli.Flag{datadirFlag},
	Action: func(c *cli.Context) error {
		cfg := node.DefaultConfig()
		cfg.DataDir = c.String(datadirFlag.Name)

		dir := cfg.ChainDataDir()
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			fmt.Printf("no chain data at %s\n", dir)
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clean: %w", err)
		}
		fmt.Printf("removed chain data at %s\n", dir)
		return nil
	},
}
