package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge/chainrpc"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/core/types"
)

const (
	devObservers   = 3
	devDepositSize = 1_000_000
)

// DevNetwork is the pair of in-memory chains a developer node bridges.
// Deposits are generated on the source chain every period.
type DevNetwork struct {
	Source, Dest *simchain.Chain

	period    time.Duration
	recipient common.Address
	servers   []*rpc.Server
	log       log.Logger
}

func newDevNetwork(config *Config) *DevNetwork {
	src, _ := config.Chain(DevSourceChain)
	dst, _ := config.Chain(DevDestChain)
	return &DevNetwork{
		Source:    simchain.NewChain(src.ID, src.Gateway),
		Dest:      simchain.NewChain(dst.ID, dst.Gateway),
		period:    config.DevPeriod,
		recipient: common.HexToAddress("0xbeef"),
		log:       log.New("component", "dev"),
	}
}

// client serves both chains over in-process JSON-RPC so that the developer
// node talks to them exactly as to real chain nodes.
func (d *DevNetwork) client(ctx context.Context, config chainrpc.Config) (*chainrpc.Client, error) {
	client := chainrpc.NewClient(config)
	for _, chain := range []*simchain.Chain{d.Source, d.Dest} {
		server := rpc.NewServer()
		for _, api := range chainrpc.APIs(chain) {
			if err := server.RegisterName(api.Namespace, api.Service); err != nil {
				return nil, err
			}
		}
		d.servers = append(d.servers, server)
		if err := client.Attach(ctx, chain.ID(), fmt.Sprintf("inproc://chain-%d", chain.ID()), rpc.DialInProc(server)); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// Deposit commits a deposit of amount towards the destination chain and
// returns the height of its block.
func (d *DevNetwork) Deposit(amount *big.Int) (uint64, error) {
	payload, err := types.EncodeDeposit(&types.DepositPayload{
		Amount:      amount,
		DestChainID: d.Dest.ID(),
		Recipient:   d.recipient.Bytes(),
	})
	if err != nil {
		return 0, err
	}
	return d.Source.Commit(types.Event{Kind: types.KindDeposit, Payload: payload}), nil
}

// run generates a deposit and mines a block on the destination every period.
func (d *DevNetwork) run(ctx context.Context) error {
	if d.period <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			height, err := d.Deposit(big.NewInt(devDepositSize))
			if err != nil {
				return err
			}
			d.Dest.Mine(1)
			d.log.Debug("Generated deposit", "height", height)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *DevNetwork) stop() {
	for _, server := range d.servers {
		server.Stop()
	}
}

// devObserverConfigs returns the generated observers of a developer node.
// Keys are persisted in the data directory so that a restarted node signs
// with the same identities.
func devObserverConfigs(config *Config) ([]ObserverConfig, map[string]*ecdsa.PrivateKey, error) {
	var (
		observers []ObserverConfig
		keys      = make(map[string]*ecdsa.PrivateKey)
	)
	for i := 1; i <= devObservers; i++ {
		id := fmt.Sprintf("observer-%d", i)
		var (
			key *ecdsa.PrivateKey
			err error
		)
		if config.DataDir == "" {
			key, err = crypto.GenerateKey()
		} else {
			key, err = loadOrCreateKey(config.ResolvePath(filepath.Join(datadirKeys, id+".key")))
		}
		if err != nil {
			return nil, nil, err
		}
		keys[id] = key
		observers = append(observers, ObserverConfig{ID: id, Weight: 1})
	}
	return observers, keys, nil
}

func loadOrCreateKey(file string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(file)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if key, err = crypto.GenerateKey(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(file, key); err != nil {
		return nil, err
	}
	return key, nil
}
