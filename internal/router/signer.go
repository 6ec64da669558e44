package router

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DefaultChainID  int64 = 137
	zeroAddress           = "0x0000000000000000000000000000000000000000"
	domainName            = "PairRouter"
	domainVersion         = "1"
	primaryTypeName       = "RouterAction"
)

type Signer struct {
	privKey  *ecdsa.PrivateKey
	address  common.Address
	chainID  int64
	verifier string
	source   string
}

// NewSigner parses a hex private key. verifier may be empty, in which case
// the zero address is used in the typed-data domain.
func NewSigner(hexKey string, chainID int64, verifier, source string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	if chainID <= 0 {
		chainID = DefaultChainID
	}
	if strings.TrimSpace(verifier) == "" {
		verifier = zeroAddress
	} else if !common.IsHexAddress(verifier) {
		return nil, fmt.Errorf("invalid verifying contract %q", verifier)
	}
	if source == "" {
		source = "paper"
	}
	return &Signer{
		privKey:  key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		verifier: verifier,
		source:   source,
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) SignOrderAction(action OrderAction, nonce uint64) (Signature, error) {
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return Signature{}, err
	}
	return s.signPayload(payload, nonce)
}

func (s *Signer) SignCancelAction(action CancelAction, nonce uint64) (Signature, error) {
	payload, err := EncodeCancelAction(action)
	if err != nil {
		return Signature{}, err
	}
	return s.signPayload(payload, nonce)
}

func (s *Signer) signPayload(payload []byte, nonce uint64) (Signature, error) {
	hash := actionHash(payload, nonce, s.address)
	digest, err := s.typedDataHash(hash)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return Signature{}, err
	}
	return signatureFromBytes(sig)
}

// actionHash binds the encoded action to its nonce and owner.
func actionHash(action []byte, nonce uint64, owner common.Address) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), action...))
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])
	buf.Write(owner.Bytes())
	return crypto.Keccak256(buf.Bytes())
}

func (s *Signer) typedDataHash(actionHash []byte) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryTypeName: {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: primaryTypeName,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.verifier,
		},
		Message: apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": hexutil.Encode(actionHash),
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

func signatureFromBytes(sig []byte) (Signature, error) {
	if len(sig) != 65 {
		return Signature{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}
