package signing

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/psbt2"
)

var (
	// ErrEmptyTransaction is returned when a parameter constructed
	// transaction has no inputs or no outputs.
	ErrEmptyTransaction = errors.New("transaction needs at least one " +
		"input and one output")
)

// KeySpec ties a public key to its origin, for populating PSBT derivation
// records.
type KeySpec struct {
	// PubKey is the 33 byte compressed public key.
	PubKey []byte

	// MasterFingerprint is the root fingerprint of the signer.
	MasterFingerprint uint32

	// Path is the full derivation path from that signer's master key.
	Path bip32path.Path
}

// InputSpec describes one input of a parameter constructed transaction.
type InputSpec struct {
	// PrevTxid and PrevIndex identify the outpoint being spent.
	PrevTxid  chainhash.Hash
	PrevIndex uint32

	// Sequence is the input sequence number; zero means the default
	// final sequence.
	Sequence uint32

	// NonWitnessUtxo is the full funding transaction, required for
	// non-segwit spends.
	NonWitnessUtxo *wire.MsgTx

	// WitnessUtxo is the funding output, sufficient for segwit spends.
	WitnessUtxo *wire.TxOut

	// RedeemScript and WitnessScript are the multisig script templates
	// guarding the outpoint.
	RedeemScript  []byte
	WitnessScript []byte

	// Keys are the signing keys with their origins, one per cosigner.
	Keys []KeySpec
}

// OutputSpec describes one output of a parameter constructed transaction.
type OutputSpec struct {
	// Amount is the output value in satoshis.
	Amount int64

	// PkScript is the output script.
	PkScript []byte

	// Keys, when the output pays back into the wallet, carry the change
	// derivations so signing devices can verify the change is ours.
	Keys []KeySpec
}

// BuildPacket constructs an unsigned PSBT directly from explicit input,
// output and path lists, for workflows where no PSBT exists yet. The
// result is the internal version agnostic model; render it with
// SerializeV0 for devices and coordinators that speak version 0.
func BuildPacket(txVersion int32, lockTime uint32, inputs []InputSpec,
	outputs []OutputSpec) (*psbt2.Packet, error) {

	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, ErrEmptyTransaction
	}

	outpoints := make([]*wire.OutPoint, len(inputs))
	sequences := make([]uint32, len(inputs))
	for i, in := range inputs {
		outpoints[i] = &wire.OutPoint{
			Hash:  in.PrevTxid,
			Index: in.PrevIndex,
		}
		sequences[i] = in.Sequence
		if sequences[i] == 0 {
			sequences[i] = wire.MaxTxInSequenceNum
		}
	}

	txOuts := make([]*wire.TxOut, len(outputs))
	for i, out := range outputs {
		txOuts[i] = wire.NewTxOut(out.Amount, out.PkScript)
	}

	packet, err := psbt.New(outpoints, txOuts, txVersion, lockTime,
		sequences)
	if err != nil {
		return nil, fmt.Errorf("creating psbt: %w", err)
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, fmt.Errorf("creating psbt updater: %w", err)
	}

	for i, in := range inputs {
		if in.NonWitnessUtxo != nil {
			err := updater.AddInNonWitnessUtxo(
				in.NonWitnessUtxo, i,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d utxo: %w",
					i, err)
			}
		}
		if in.WitnessUtxo != nil {
			err := updater.AddInWitnessUtxo(in.WitnessUtxo, i)
			if err != nil {
				return nil, fmt.Errorf("input %d utxo: %w",
					i, err)
			}
		}
		if in.RedeemScript != nil {
			err := updater.AddInRedeemScript(in.RedeemScript, i)
			if err != nil {
				return nil, fmt.Errorf("input %d redeem "+
					"script: %w", i, err)
			}
		}
		if in.WitnessScript != nil {
			err := updater.AddInWitnessScript(in.WitnessScript, i)
			if err != nil {
				return nil, fmt.Errorf("input %d witness "+
					"script: %w", i, err)
			}
		}
	}

	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("serializing psbt: %w", err)
	}

	model, err := psbt2.Parse(raw.Bytes())
	if err != nil {
		return nil, err
	}

	// Attach the derivation records last, through the model, so the
	// fingerprint byte order matches the wallet configuration
	// convention throughout the library.
	for i, in := range inputs {
		for _, key := range in.Keys {
			addDerivation(&model.Inputs[i],
				psbt2.InBip32Derivation, key)
		}
	}
	for i, out := range outputs {
		for _, key := range out.Keys {
			addDerivation(&model.Outputs[i],
				psbt2.OutBip32Derivation, key)
		}
	}

	return model, nil
}

// addDerivation sets one BIP32 derivation record on a packet map.
func addDerivation(m *psbt2.Map, keyType uint64, key KeySpec) {
	path := make([]uint32, 0, key.Path.Depth())
	for _, seg := range key.Path.Segments() {
		path = append(path, seg.WireIndex())
	}

	m.Set(keyType, key.PubKey,
		psbt2.SerializeDerivation(key.MasterFingerprint, path))
}
