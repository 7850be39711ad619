// Package svm implements the "exact" payment scheme on Solana: the buyer
// partially signs an SPL TransferChecked transaction and the facilitator
// co-signs it as fee payer.
package svm

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ExactPayload is the scheme-specific body of a PaymentPayload.
type ExactPayload struct {
	Transaction string `json:"transaction"` // base64 encoded, partially signed
}

var (
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	token2022ProgramID     = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

const (
	DefaultComputeUnits     uint32 = 200_000
	DefaultComputeUnitPrice uint64 = 10_000
	// MaxComputeUnitPrice caps the priority fee a buyer can make the fee
	// payer spend, in microlamports.
	MaxComputeUnitPrice uint64 = 5_000_000

	setComputeUnitLimit = 2
	setComputeUnitPrice = 3
	transferChecked     = 12
)

func computeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = setComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func computeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = setComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func associatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

func createIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := associatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1}), nil
}

func transferCheckedInstruction(source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

func encodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeTransaction(raw json.RawMessage) (*solana.Transaction, error) {
	var p ExactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid exact payload: %w", err)
	}
	if p.Transaction == "" {
		return nil, errors.New("missing transaction")
	}

	data, err := base64.StdEncoding.DecodeString(p.Transaction)
	if err != nil {
		return nil, fmt.Errorf("invalid tx base64: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// transferInfo is the TransferChecked instruction of a payment transaction.
type transferInfo struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
	Decimals    uint8
}

var errLayout = errors.New("unexpected instruction layout")

// inspect checks the instruction layout and returns the transfer it carries.
// Accepted layouts are [limit, price, transfer] and
// [limit, price, create-ATA, transfer].
func inspect(tx *solana.Transaction) (*transferInfo, uint64, error) {
	msg := tx.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, 0, fmt.Errorf("%w: address table lookups", errLayout)
	}

	n := len(msg.Instructions)
	if n != 3 && n != 4 {
		return nil, 0, fmt.Errorf("%w: %d instructions", errLayout, n)
	}

	program := func(i int) (solana.PublicKey, error) {
		idx := int(msg.Instructions[i].ProgramIDIndex)
		if idx >= len(msg.AccountKeys) {
			return solana.PublicKey{}, fmt.Errorf("%w: program index out of range", errLayout)
		}
		return msg.AccountKeys[idx], nil
	}

	for i, disc := range []byte{setComputeUnitLimit, setComputeUnitPrice} {
		p, err := program(i)
		if err != nil {
			return nil, 0, err
		}
		data := msg.Instructions[i].Data
		if !p.Equals(ComputeBudgetProgramID) || len(data) == 0 || data[0] != disc {
			return nil, 0, fmt.Errorf("%w: instruction %d is not a compute budget instruction", errLayout, i)
		}
	}

	priceData := msg.Instructions[1].Data
	if len(priceData) != 9 {
		return nil, 0, fmt.Errorf("%w: compute unit price", errLayout)
	}
	price := binary.LittleEndian.Uint64(priceData[1:])

	if n == 4 {
		p, err := program(2)
		if err != nil {
			return nil, 0, err
		}
		if !p.Equals(solana.SPLAssociatedTokenAccountProgramID) {
			return nil, 0, fmt.Errorf("%w: instruction 2 is not create-ATA", errLayout)
		}
	}

	last := msg.Instructions[n-1]
	p, err := program(n - 1)
	if err != nil {
		return nil, 0, err
	}
	if !p.Equals(solana.TokenProgramID) && !p.Equals(token2022ProgramID) {
		return nil, 0, fmt.Errorf("%w: last instruction is not a token transfer", errLayout)
	}
	if len(last.Data) < 10 || last.Data[0] != transferChecked {
		return nil, 0, fmt.Errorf("%w: last instruction is not TransferChecked", errLayout)
	}
	if len(last.Accounts) < 4 {
		return nil, 0, fmt.Errorf("%w: TransferChecked accounts", errLayout)
	}

	accounts := make([]solana.PublicKey, 4)
	for i := range accounts {
		idx := int(last.Accounts[i])
		if idx >= len(msg.AccountKeys) {
			return nil, 0, fmt.Errorf("%w: account index out of range", errLayout)
		}
		accounts[i] = msg.AccountKeys[idx]
	}

	return &transferInfo{
		Source:      accounts[0],
		Mint:        accounts[1],
		Destination: accounts[2],
		Owner:       accounts[3],
		Amount:      binary.LittleEndian.Uint64(last.Data[1:9]),
		Decimals:    last.Data[9],
	}, price, nil
}

// signatureOf returns the signature slot of key, if key is a required signer.
func signatureOf(tx *solana.Transaction, key solana.PublicKey) (solana.Signature, bool) {
	required := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(key) {
			if i >= len(tx.Signatures) {
				return solana.Signature{}, false
			}
			return tx.Signatures[i], true
		}
	}
	return solana.Signature{}, false
}
