// Command validator runs a single node of the verifiable execution and
// settlement network: it ingests StepReceipts, seals LogBlocks and PoE
// bundles, proposes and finalizes ledger blocks under IBFT, and serves
// a minimal HTTP surface for health and ledger queries.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"

	"github.com/pravyom/metanode-core/pkg/config"
	"github.com/pravyom/metanode-core/pkg/consensus"
	"github.com/pravyom/metanode-core/pkg/crypto/bls"
	"github.com/pravyom/metanode-core/pkg/kvdb"
	"github.com/pravyom/metanode-core/pkg/pipeline"
	"github.com/pravyom/metanode-core/pkg/vrf"
)

// healthStatus tracks the node's liveness for the /health endpoint.
type healthStatus struct {
	mu        sync.RWMutex
	Status    string `json:"status"`
	Height    uint64 `json:"height"`
	startTime time.Time
}

func (h *healthStatus) setHeight(height uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Height = height
	h.Status = "ok"
}

func (h *healthStatus) toJSON() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, _ := json.Marshal(struct {
		Status        string `json:"status"`
		Height        uint64 `json:"height"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}{h.Status, h.Height, int64(time.Since(h.startTime).Seconds())})
	return data
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting validator node")

	var (
		validatorID = flag.String("validator-id", "", "validator ID (overrides VALIDATOR_ID env var)")
		peersFlag   = flag.String("peers", "", "comma-separated list of index=bls_pubkey_hex=vrf_pubkey_hex=stake for the epoch's validator set")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *validatorID != "" {
		cfg.ValidatorID = *validatorID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("validator ID: %s, chain: %s", cfg.ValidatorID, cfg.ChainID)

	notaryKey, err := loadOrGenerateEd25519Key(cfg)
	if err != nil {
		log.Fatalf("load/generate ed25519 key: %v", err)
	}
	log.Printf("notary key ready: %s...", hex.EncodeToString(notaryKey.Public().(ed25519.PublicKey))[:16])

	blsKeyManager, err := bls.InitializeValidatorBLSKey(cfg.ValidatorID, cfg.ChainID, filepath.Join(cfg.DataDir, "bls_key.hex"))
	if err != nil {
		log.Fatalf("initialize BLS key: %v", err)
	}
	log.Printf("BLS public key: %s", blsKeyManager.GetPublicKeyHex())

	vrfKeys, err := vrf.GenerateKeyPair()
	if err != nil {
		log.Fatalf("generate VRF key: %v", err)
	}

	selfIndex, vset, err := loadValidatorSet(*peersFlag, blsKeyManager.GetPublicKeyBytes(), vrf.PublicKeyToBytes(vrfKeys.PublicKey))
	if err != nil {
		log.Fatalf("load validator set: %v", err)
	}
	log.Printf("validator set has %d members, self index %d", len(vset.Validators), selfIndex)

	id := pipeline.Identity{
		Index:     selfIndex,
		NotaryKey: notaryKey,
		BLSKey:    blsKeyManager.GetPrivateKey(),
		VRFKey:    vrfKeys.PrivateKey,
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}
	db, err := dbm.NewGoLevelDB("validator-ledger", cfg.DataDir)
	if err != nil {
		log.Fatalf("open ledger db in %s: %v", cfg.DataDir, err)
	}
	kv := kvdb.NewKVAdapter(db)

	node := pipeline.New(cfg, id, kv, vset, nil, nil, nil)

	health := &healthStatus{Status: "starting", startTime: time.Now()}
	if height, err := node.Ledger.GetLatestHeight(); err == nil {
		health.setHeight(height)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(health.toJSON())
	})
	mux.HandleFunc("/ledger/block", func(w http.ResponseWriter, r *http.Request) {
		heightStr := r.URL.Query().Get("height")
		height, err := strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid height", http.StatusBadRequest)
			return
		}
		block, err := node.Ledger.GetBlock(height)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(block)
	})
	mux.HandleFunc("/events/recent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(node.Stream.GetRecent(50))
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// One UUID is generated at boot and logged as this run's settlement
	// identifier; no settlement is opened here.
	bootSettlementID := uuid.New().String()
	log.Printf("node ready (boot settlement id namespace: %s)", bootSettlementID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	if err := httpServer.Close(); err != nil {
		log.Printf("http server close error: %v", err)
	}
}

// loadOrGenerateEd25519Key loads the node's notary signing key from
// cfg.Ed25519KeyPath (or DataDir/ed25519_key.hex if unset), generating
// and persisting a fresh one on first run.
func loadOrGenerateEd25519Key(cfg *config.Config) (ed25519.PrivateKey, error) {
	keyPath := cfg.Ed25519KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "ed25519_key.hex")
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
			return nil, fmt.Errorf("save ed25519 key: %w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: got %d", len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// loadValidatorSet parses the --peers flag (index=bls_hex=vrf_hex=stake,
// repeated, comma-separated) into a consensus.ValidatorSet, returning
// this node's own index within it. If peers is empty, a single-member
// set containing only this node is built (useful for local testing).
func loadValidatorSet(peers string, selfBLSPub, selfVRFPub []byte) (uint32, *consensus.ValidatorSet, error) {
	if peers == "" {
		members := []consensus.Validator{{Index: 0, BLSPubKey: selfBLSPub, VRFPubKey: selfVRFPub, Stake: 100, Status: consensus.StatusActive}}
		vset, err := consensus.NewValidatorSet([]byte("single-node-epoch"), members)
		return 0, vset, err
	}

	entries := strings.Split(peers, ",")
	members := make([]consensus.Validator, 0, len(entries))
	selfIndex := uint32(0)
	for _, e := range entries {
		parts := strings.Split(e, "=")
		if len(parts) != 4 {
			return 0, nil, fmt.Errorf("malformed --peers entry %q: want index=bls_hex=vrf_hex=stake", e)
		}
		idx, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid index in %q: %w", e, err)
		}
		blsPub, err := hex.DecodeString(parts[1])
		if err != nil {
			return 0, nil, fmt.Errorf("invalid bls pubkey in %q: %w", e, err)
		}
		vrfPub, err := hex.DecodeString(parts[2])
		if err != nil {
			return 0, nil, fmt.Errorf("invalid vrf pubkey in %q: %w", e, err)
		}
		stake, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid stake in %q: %w", e, err)
		}
		if string(blsPub) == string(selfBLSPub) {
			selfIndex = uint32(idx)
		}
		members = append(members, consensus.Validator{
			Index:     uint32(idx),
			BLSPubKey: blsPub,
			VRFPubKey: vrfPub,
			Stake:     stake,
			Status:    consensus.StatusActive,
		})
	}
	vset, err := consensus.NewValidatorSet([]byte("configured-epoch"), members)
	return selfIndex, vset, err
}
