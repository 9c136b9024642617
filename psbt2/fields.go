package psbt2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PartialSig is one partial signature record: a compressed or x-only
// public key and a DER signature carrying exactly one trailing sighash
// byte.
type PartialSig struct {
	PubKey    []byte
	Signature []byte
}

// Derivation is one BIP32 derivation record attached to an input or
// output.
type Derivation struct {
	// PubKey is the compressed public key the path leads to.
	PubKey []byte

	// MasterFingerprint identifies the root key the path starts from.
	MasterFingerprint uint32

	// Path is the derivation path as wire indexes, hardened offsets
	// included.
	Path []uint32
}

// InputView is the version agnostic read model of one packet input.
type InputView struct {
	// PrevTxid and PrevIndex identify the outpoint being spent.
	PrevTxid  chainhash.Hash
	PrevIndex uint32

	// Sequence is the input's sequence number.
	Sequence uint32

	// NonWitnessUtxo is the full previous transaction, when present.
	NonWitnessUtxo *wire.MsgTx

	// WitnessUtxo is the previous output being spent, when present.
	WitnessUtxo *wire.TxOut

	// RedeemScript and WitnessScript are the input's script templates,
	// when present.
	RedeemScript  []byte
	WitnessScript []byte

	// SighashType is the requested sighash type, or zero when
	// unspecified.
	SighashType uint32

	// PartialSigs are the signature records in map order.
	PartialSigs []PartialSig

	// Derivations are the BIP32 derivation records in map order.
	Derivations []Derivation
}

// OutputView is the version agnostic read model of one packet output.
type OutputView struct {
	// Amount is the output value in satoshis.
	Amount int64

	// PkScript is the output script.
	PkScript []byte

	// RedeemScript and WitnessScript are the output's script templates,
	// when present.
	RedeemScript  []byte
	WitnessScript []byte

	// Derivations are the BIP32 derivation records in map order.
	Derivations []Derivation
}

// NumInputs returns the packet's input count.
func (p *Packet) NumInputs() int {
	return len(p.Inputs)
}

// NumOutputs returns the packet's output count.
func (p *Packet) NumOutputs() int {
	return len(p.Outputs)
}

// TxVersion returns the transaction version.
func (p *Packet) TxVersion() int32 {
	if p.SourceVersion == 0 {
		return p.unsignedTx.Version
	}

	value, _ := p.Global.Get(GlobalTxVersion, nil)
	if len(value) != 4 {
		return 0
	}

	return int32(binary.LittleEndian.Uint32(value))
}

// Input assembles the version agnostic view of input i.
func (p *Packet) Input(i int) (*InputView, error) {
	if i < 0 || i >= len(p.Inputs) {
		return nil, fmt.Errorf("%w: input index %d out of range",
			ErrMalformedPsbt, i)
	}

	in := p.Inputs[i]
	view := &InputView{Sequence: wire.MaxTxInSequenceNum}

	if p.SourceVersion == 0 {
		txIn := p.unsignedTx.TxIn[i]
		view.PrevTxid = txIn.PreviousOutPoint.Hash
		view.PrevIndex = txIn.PreviousOutPoint.Index
		view.Sequence = txIn.Sequence
	} else {
		txid, _ := in.Get(InPreviousTxid, nil)
		copy(view.PrevTxid[:], txid)

		index, err := in.le32Field(InOutputIndex)
		if err != nil {
			return nil, err
		}
		view.PrevIndex = index

		if _, ok := in.Get(InSequence, nil); ok {
			view.Sequence, err = in.le32Field(InSequence)
			if err != nil {
				return nil, err
			}
		}
	}

	if raw, ok := in.Get(InNonWitnessUtxo, nil); ok {
		tx := wire.NewMsgTx(2)
		err := tx.Deserialize(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: bad non-witness utxo "+
				"on input %d: %v", ErrMalformedPsbt, i, err)
		}
		view.NonWitnessUtxo = tx
	}

	if raw, ok := in.Get(InWitnessUtxo, nil); ok {
		txOut, err := parseTxOut(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad witness utxo on "+
				"input %d: %v", ErrMalformedPsbt, i, err)
		}
		view.WitnessUtxo = txOut
	}

	view.RedeemScript, _ = in.Get(InRedeemScript, nil)
	view.WitnessScript, _ = in.Get(InWitnessScript, nil)

	if raw, ok := in.Get(InSighashType, nil); ok && len(raw) == 4 {
		view.SighashType = binary.LittleEndian.Uint32(raw)
	}

	for _, kv := range in.GetAll(InPartialSig) {
		view.PartialSigs = append(view.PartialSigs, PartialSig{
			PubKey:    kv.KeyData,
			Signature: kv.Value,
		})
	}

	derivs, err := parseDerivations(in.GetAll(InBip32Derivation))
	if err != nil {
		return nil, fmt.Errorf("input %d: %w", i, err)
	}
	view.Derivations = derivs

	return view, nil
}

// Output assembles the version agnostic view of output i.
func (p *Packet) Output(i int) (*OutputView, error) {
	if i < 0 || i >= len(p.Outputs) {
		return nil, fmt.Errorf("%w: output index %d out of range",
			ErrMalformedPsbt, i)
	}

	out := p.Outputs[i]
	view := &OutputView{}

	if p.SourceVersion == 0 {
		txOut := p.unsignedTx.TxOut[i]
		view.Amount = txOut.Value
		view.PkScript = txOut.PkScript
	} else {
		amount, _ := out.Get(OutAmount, nil)
		if len(amount) != 8 {
			return nil, fmt.Errorf("%w: output %d without "+
				"amount", ErrMalformedPsbt, i)
		}
		view.Amount = int64(binary.LittleEndian.Uint64(amount))
		view.PkScript, _ = out.Get(OutScript, nil)
	}

	view.RedeemScript, _ = out.Get(OutRedeemScript, nil)
	view.WitnessScript, _ = out.Get(OutWitnessScript, nil)

	derivs, err := parseDerivations(out.GetAll(OutBip32Derivation))
	if err != nil {
		return nil, fmt.Errorf("output %d: %w", i, err)
	}
	view.Derivations = derivs

	return view, nil
}

// AddPartialSig attaches a partial signature record to input i. Existing
// records for the same public key are replaced, so merging the same
// device response twice is harmless.
func (p *Packet) AddPartialSig(i int, pubKey, signature []byte) error {
	if i < 0 || i >= len(p.Inputs) {
		return fmt.Errorf("%w: input index %d out of range",
			ErrMalformedPsbt, i)
	}
	if len(pubKey) != btcec.PubKeyBytesLenCompressed &&
		len(pubKey) != 32 {

		return fmt.Errorf("%w: partial sig key has %d bytes",
			ErrMalformedPsbt, len(pubKey))
	}

	p.Inputs[i].Set(InPartialSig, pubKey, signature)

	return nil
}

// SpentAmount sums the values of all inputs' known previous outputs. It
// fails when any input lacks utxo information.
func (p *Packet) SpentAmount() (int64, error) {
	var total int64
	for i := range p.Inputs {
		view, err := p.Input(i)
		if err != nil {
			return 0, err
		}

		switch {
		case view.WitnessUtxo != nil:
			total += view.WitnessUtxo.Value

		case view.NonWitnessUtxo != nil:
			outs := view.NonWitnessUtxo.TxOut
			if int(view.PrevIndex) >= len(outs) {
				return 0, fmt.Errorf("%w: input %d prevout "+
					"index %d out of range",
					ErrMalformedPsbt, i, view.PrevIndex)
			}
			total += outs[view.PrevIndex].Value

		default:
			return 0, fmt.Errorf("%w: input %d has no utxo "+
				"information", ErrMalformedPsbt, i)
		}
	}

	return total, nil
}

// parseDerivations decodes BIP32 derivation records: a 4 byte fingerprint
// followed by little endian path elements.
func parseDerivations(kvs []KV) ([]Derivation, error) {
	var out []Derivation
	for _, kv := range kvs {
		if len(kv.Value) < 4 || len(kv.Value)%4 != 0 {
			return nil, fmt.Errorf("%w: derivation value has "+
				"%d bytes", ErrMalformedPsbt, len(kv.Value))
		}

		deriv := Derivation{
			PubKey: kv.KeyData,
			MasterFingerprint: binary.BigEndian.Uint32(
				kv.Value[:4],
			),
		}
		for off := 4; off < len(kv.Value); off += 4 {
			deriv.Path = append(deriv.Path,
				binary.LittleEndian.Uint32(kv.Value[off:]))
		}

		out = append(out, deriv)
	}

	return out, nil
}

// SerializeDerivation renders a derivation record's value bytes.
func SerializeDerivation(masterFingerprint uint32, path []uint32) []byte {
	value := make([]byte, 4+4*len(path))
	binary.BigEndian.PutUint32(value[:4], masterFingerprint)
	for i, element := range path {
		binary.LittleEndian.PutUint32(value[4+i*4:], element)
	}

	return value
}

// parseTxOut decodes a witness utxo record.
func parseTxOut(raw []byte) (*wire.TxOut, error) {
	r := bytes.NewReader(raw)

	var value int64
	if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
		return nil, err
	}

	script, err := wire.ReadVarBytes(r, 0, txscript.MaxScriptSize,
		"pkScript")
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(value, script), nil
}
