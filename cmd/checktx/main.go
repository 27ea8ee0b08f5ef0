// checktx verifies a transaction hash against the configured payment
// requirement and prints the decoded transfers. Operator tool for
// debugging rejected proofs; it does not consume the hash.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/tollgate-labs/tollgate/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <tx-hash>\n", os.Args[0])
		os.Exit(2)
	}
	hash := common.HexToHash(os.Args[1])

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal("dial rpc failed", zap.Error(err))
	}

	receipt, err := eth.TransactionReceipt(ctx, hash)
	if err != nil {
		log.Fatal("receipt fetch failed", zap.Error(err))
	}
	head, err := eth.BlockNumber(ctx)
	if err != nil {
		log.Fatal("block number fetch failed", zap.Error(err))
	}

	fmt.Printf("tx:       %s\n", hash.Hex())
	fmt.Printf("status:   %d\n", receipt.Status)
	fmt.Printf("block:    %s (head %d, %d confirmations)\n",
		receipt.BlockNumber, head, head-receipt.BlockNumber.Uint64()+1)

	token := common.HexToAddress(cfg.Payment.TokenContract)
	recipient := common.HexToAddress(cfg.Payment.Recipient)
	transferTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	found := false
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(l.Topics[1].Bytes())
		to := common.BytesToAddress(l.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(l.Data)
		match := ""
		if to == recipient {
			match = "  <- pays configured recipient"
			found = true
		}
		fmt.Printf("transfer: %s -> %s  amount %s%s\n", from.Hex(), to.Hex(), amount, match)
	}
	if !found {
		fmt.Printf("no transfer of %s to %s in this transaction\n", token.Hex(), recipient.Hex())
		os.Exit(1)
	}
}
