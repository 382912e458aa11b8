package rest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	headerAddress   = "X-Venue-Address"
	headerNonce     = "X-Venue-Nonce"
	headerSignature = "X-Venue-Signature"
)

// Signer authenticates venue requests with an EIP-712 signature over the
// request path, body hash and nonce.
type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64

	mu        sync.Mutex
	lastNonce uint64
}

func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey), chainID: chainID}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// nextNonce is millisecond time, bumped to stay strictly increasing.
func (s *Signer) nextNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(time.Now().UnixMilli())
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign returns the hex signature for one request.
func (s *Signer) Sign(path string, body []byte, nonce uint64) (string, error) {
	digest, err := requestDigest(path, body, nonce, s.chainID)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return "", err
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("unexpected signature length %d", len(sig))
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func requestDigest(path string, body []byte, nonce uint64, chainID int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"VenueRequest": {
				{Name: "path", Type: "string"},
				{Name: "bodyHash", Type: "bytes32"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "VenueRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              "RWAVenue",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"path":     path,
			"bodyHash": hexutil.Encode(crypto.Keccak256(body)),
			"nonce":    strconv.FormatUint(nonce, 10),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
