package psbt2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Global map key types.
const (
	GlobalUnsignedTx       uint64 = 0x00
	GlobalXpub             uint64 = 0x01
	GlobalTxVersion        uint64 = 0x02
	GlobalFallbackLocktime uint64 = 0x03
	GlobalInputCount       uint64 = 0x04
	GlobalOutputCount      uint64 = 0x05
	GlobalTxModifiable     uint64 = 0x06
	GlobalVersion          uint64 = 0xfb
)

// Input map key types.
const (
	InNonWitnessUtxo     uint64 = 0x00
	InWitnessUtxo        uint64 = 0x01
	InPartialSig         uint64 = 0x02
	InSighashType        uint64 = 0x03
	InRedeemScript       uint64 = 0x04
	InWitnessScript      uint64 = 0x05
	InBip32Derivation    uint64 = 0x06
	InFinalScriptSig     uint64 = 0x07
	InFinalScriptWitness uint64 = 0x08
	InPreviousTxid       uint64 = 0x0e
	InOutputIndex        uint64 = 0x0f
	InSequence           uint64 = 0x10
	InRequiredTimeLock   uint64 = 0x11
	InRequiredHeightLock uint64 = 0x12
)

// Output map key types.
const (
	OutRedeemScript    uint64 = 0x00
	OutWitnessScript   uint64 = 0x01
	OutBip32Derivation uint64 = 0x02
	OutAmount          uint64 = 0x03
	OutScript          uint64 = 0x04
)

// Packet is the library's internal, version 2 shaped view of a PSBT. It
// retains every key/value record in wire order, so a packet parsed from
// valid bytes and not mutated re-serializes byte for byte in its source
// version. Version 0 packets are upgraded losslessly on parse: the
// version 2 accessors read through to the embedded unsigned transaction.
type Packet struct {
	// Global, Inputs and Outputs are the packet's key/value maps in
	// wire order.
	Global  Map
	Inputs  []Map
	Outputs []Map

	// SourceVersion is the version the packet was parsed from, 0 or 2.
	SourceVersion uint32

	// unsignedTx is the decoded global unsigned transaction for version
	// 0 sources.
	unsignedTx *wire.MsgTx
}

// Clone returns a deep copy of the packet. Mutating accessors applied to
// the copy leave the original untouched.
func (p *Packet) Clone() *Packet {
	out := &Packet{
		Global:        p.Global.Clone(),
		Inputs:        make([]Map, len(p.Inputs)),
		Outputs:       make([]Map, len(p.Outputs)),
		SourceVersion: p.SourceVersion,
	}
	for i, in := range p.Inputs {
		out.Inputs[i] = in.Clone()
	}
	for i, o := range p.Outputs {
		out.Outputs[i] = o.Clone()
	}
	if p.unsignedTx != nil {
		out.unsignedTx = p.unsignedTx.Copy()
	}

	return out
}

// DetectVersion sniffs the PSBT version of raw packet bytes: the magic
// preamble plus the global version field, defaulting to 0 when the field
// is absent.
func DetectVersion(raw []byte) (uint32, error) {
	packet, err := Parse(raw)
	if err != nil {
		return 0, err
	}

	return packet.SourceVersion, nil
}

// Parse decodes PSBT bytes of either version into the internal model.
func Parse(raw []byte) (*Packet, error) {
	if !bytes.HasPrefix(raw, psbtMagic) {
		return nil, fmt.Errorf("%w: missing magic", ErrMalformedPsbt)
	}

	r := bytes.NewReader(raw[len(psbtMagic):])
	global, err := readMap(r)
	if err != nil {
		return nil, err
	}

	packet := &Packet{Global: global}
	if version, ok := global.Get(GlobalVersion, nil); ok {
		if len(version) != 4 {
			return nil, fmt.Errorf("%w: version field has %d "+
				"bytes", ErrMalformedPsbt, len(version))
		}
		packet.SourceVersion = binary.LittleEndian.Uint32(version)
	}

	var inputCount, outputCount uint64
	switch packet.SourceVersion {
	case 0:
		rawTx, ok := global.Get(GlobalUnsignedTx, nil)
		if !ok {
			return nil, fmt.Errorf("%w: v0 packet without "+
				"unsigned tx", ErrMalformedPsbt)
		}

		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
			return nil, fmt.Errorf("%w: bad unsigned tx: %v",
				ErrMalformedPsbt, err)
		}
		for _, txIn := range tx.TxIn {
			if len(txIn.SignatureScript) > 0 ||
				len(txIn.Witness) > 0 {

				return nil, fmt.Errorf("%w: unsigned tx "+
					"carries scriptSig/witness data",
					ErrMalformedPsbt)
			}
		}

		packet.unsignedTx = tx
		inputCount = uint64(len(tx.TxIn))
		outputCount = uint64(len(tx.TxOut))

	case 2:
		if _, ok := global.Get(GlobalUnsignedTx, nil); ok {
			return nil, fmt.Errorf("%w: v2 packet carries an "+
				"unsigned tx", ErrMalformedPsbt)
		}

		inputCount, err = global.varInt(GlobalInputCount)
		if err != nil {
			return nil, err
		}
		outputCount, err = global.varInt(GlobalOutputCount)
		if err != nil {
			return nil, err
		}
		if _, ok := global.Get(GlobalTxVersion, nil); !ok {
			return nil, fmt.Errorf("%w: v2 packet without tx "+
				"version", ErrMalformedPsbt)
		}

	default:
		return nil, fmt.Errorf("%w: unsupported version %d",
			ErrMalformedPsbt, packet.SourceVersion)
	}

	// Every map takes at least its one byte terminator, so the claimed
	// counts can never exceed the bytes left to read. Checking before the
	// allocations keeps a forged count from requesting absurd slices.
	remaining := uint64(r.Len())
	if inputCount > remaining || outputCount > remaining-inputCount {
		return nil, fmt.Errorf("%w: %d inputs and %d outputs claimed "+
			"with %d bytes remaining", ErrMalformedPsbt, inputCount,
			outputCount, remaining)
	}

	packet.Inputs = make([]Map, inputCount)
	for i := range packet.Inputs {
		if packet.Inputs[i], err = readMap(r); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}

	packet.Outputs = make([]Map, outputCount)
	for i := range packet.Outputs {
		if packet.Outputs[i], err = readMap(r); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes",
			ErrMalformedPsbt, r.Len())
	}

	if packet.SourceVersion == 2 {
		if err := packet.checkV2Inputs(); err != nil {
			return nil, err
		}
	}

	return packet, nil
}

// checkV2Inputs verifies the per-input fields version 2 requires.
func (p *Packet) checkV2Inputs() error {
	for i, in := range p.Inputs {
		txid, ok := in.Get(InPreviousTxid, nil)
		if !ok || len(txid) != 32 {
			return fmt.Errorf("%w: input %d without previous "+
				"txid", ErrMalformedPsbt, i)
		}
		if _, ok := in.Get(InOutputIndex, nil); !ok {
			return fmt.Errorf("%w: input %d without output "+
				"index", ErrMalformedPsbt, i)
		}
	}
	for i, out := range p.Outputs {
		amount, ok := out.Get(OutAmount, nil)
		if !ok || len(amount) != 8 {
			return fmt.Errorf("%w: output %d without amount",
				ErrMalformedPsbt, i)
		}
		if _, ok := out.Get(OutScript, nil); !ok {
			return fmt.Errorf("%w: output %d without script",
				ErrMalformedPsbt, i)
		}
	}

	return nil
}

// varInt reads a compact size encoded global value.
func (m Map) varInt(keyType uint64) (uint64, error) {
	value, ok := m.Get(keyType, nil)
	if !ok {
		return 0, fmt.Errorf("%w: missing global field %#x",
			ErrMalformedPsbt, keyType)
	}

	n, err := wire.ReadVarInt(bytes.NewReader(value), 0)
	if err != nil {
		return 0, fmt.Errorf("%w: bad compact size in field %#x",
			ErrMalformedPsbt, keyType)
	}

	return n, nil
}

// SerializeV0 renders the packet in version 0 form. A packet parsed from
// version 0 bytes and not mutated serializes byte-identically to its
// source.
func (p *Packet) SerializeV0() ([]byte, error) {
	var (
		global  = p.Global
		inputs  = p.Inputs
		outputs = p.Outputs
	)

	// Version 2 sources first fold their fields back into an unsigned
	// transaction and drop the v2-only records. The unsigned tx record
	// is emitted before the carried-through globals. BIP-174
	// serializers write records in key type order, which places type
	// 0x00 first anyway; a nonconforming v0 source that ordered some
	// other global record ahead of its unsigned tx comes out of a
	// v0-v2-v0 round trip normalized into the sorted form.
	if p.SourceVersion == 2 {
		tx, err := p.buildUnsignedTx()
		if err != nil {
			return nil, err
		}

		var rawTx bytes.Buffer
		if err := tx.Serialize(&rawTx); err != nil {
			return nil, err
		}

		global = Map{{KeyType: GlobalUnsignedTx, Value: rawTx.Bytes()}}
		for _, kv := range p.Global {
			switch kv.KeyType {
			case GlobalTxVersion, GlobalFallbackLocktime,
				GlobalInputCount, GlobalOutputCount,
				GlobalTxModifiable, GlobalVersion:

			default:
				global = append(global, kv)
			}
		}

		inputs = stripKeys(p.Inputs, InPreviousTxid, InOutputIndex,
			InSequence, InRequiredTimeLock, InRequiredHeightLock)
		outputs = stripKeys(p.Outputs, OutAmount, OutScript)
	}

	return assemble(global, inputs, outputs)
}

// SerializeV2 renders the packet in version 2 form. Version 0 sources have
// their unsigned transaction decomposed into the v2 global and per-map
// fields.
func (p *Packet) SerializeV2() ([]byte, error) {
	if p.SourceVersion == 2 {
		return assemble(p.Global, p.Inputs, p.Outputs)
	}

	tx := p.unsignedTx

	global := Map{}
	global.Set(GlobalTxVersion, nil, le32(uint32(tx.Version)))
	global.Set(GlobalFallbackLocktime, nil, le32(tx.LockTime))
	global.Set(GlobalInputCount, nil, compactSize(uint64(len(tx.TxIn))))
	global.Set(GlobalOutputCount, nil, compactSize(uint64(len(tx.TxOut))))
	global.Set(GlobalVersion, nil, le32(2))
	for _, kv := range p.Global {
		if kv.KeyType != GlobalUnsignedTx {
			global = append(global, kv)
		}
	}

	inputs := make([]Map, len(p.Inputs))
	for i, in := range p.Inputs {
		txIn := tx.TxIn[i]
		derived := Map{}
		derived.Set(InPreviousTxid, nil,
			txIn.PreviousOutPoint.Hash[:])
		derived.Set(InOutputIndex, nil,
			le32(txIn.PreviousOutPoint.Index))
		derived.Set(InSequence, nil, le32(txIn.Sequence))
		inputs[i] = append(derived, in...)
	}

	outputs := make([]Map, len(p.Outputs))
	for i, out := range p.Outputs {
		txOut := tx.TxOut[i]
		derived := Map{}
		derived.Set(OutAmount, nil, le64(uint64(txOut.Value)))
		derived.Set(OutScript, nil, txOut.PkScript)
		outputs[i] = append(derived, out...)
	}

	return assemble(global, inputs, outputs)
}

// UpgradeToV2 re-parses the packet's version 2 serialization, yielding a
// packet whose SourceVersion is 2. Version 0 packets lose nothing in the
// translation; every record either maps to a v2 field or is carried
// through untouched.
func (p *Packet) UpgradeToV2() (*Packet, error) {
	if p.SourceVersion == 2 {
		return p, nil
	}

	raw, err := p.SerializeV2()
	if err != nil {
		return nil, err
	}

	return Parse(raw)
}

// buildUnsignedTx folds a version 2 packet's fields back into a wire
// transaction.
func (p *Packet) buildUnsignedTx() (*wire.MsgTx, error) {
	txVersion, ok := p.Global.Get(GlobalTxVersion, nil)
	if !ok || len(txVersion) != 4 {
		return nil, fmt.Errorf("%w: missing tx version",
			ErrMalformedPsbt)
	}

	tx := wire.NewMsgTx(int32(binary.LittleEndian.Uint32(txVersion)))
	tx.LockTime = p.LockTime()

	for i, in := range p.Inputs {
		txid, _ := in.Get(InPreviousTxid, nil)
		if len(txid) != 32 {
			return nil, fmt.Errorf("%w: input %d without "+
				"previous txid", ErrMalformedPsbt, i)
		}

		index, err := in.le32Field(InOutputIndex)
		if err != nil {
			return nil, err
		}

		sequence := uint32(wire.MaxTxInSequenceNum)
		if _, ok := in.Get(InSequence, nil); ok {
			sequence, err = in.le32Field(InSequence)
			if err != nil {
				return nil, err
			}
		}

		txIn := wire.NewTxIn(&wire.OutPoint{Index: index}, nil, nil)
		copy(txIn.PreviousOutPoint.Hash[:], txid)
		txIn.Sequence = sequence
		tx.AddTxIn(txIn)
	}

	for i, out := range p.Outputs {
		amount, ok := out.Get(OutAmount, nil)
		if !ok || len(amount) != 8 {
			return nil, fmt.Errorf("%w: output %d without "+
				"amount", ErrMalformedPsbt, i)
		}
		script, _ := out.Get(OutScript, nil)

		tx.AddTxOut(wire.NewTxOut(
			int64(binary.LittleEndian.Uint64(amount)),
			script,
		))
	}

	return tx, nil
}

// LockTime resolves the transaction lock time. Version 0 sources read it
// from the unsigned transaction. Version 2 sources combine the per-input
// required lock times per BIP-0370, falling back to the global fallback
// lock time when no input states a requirement.
func (p *Packet) LockTime() uint32 {
	if p.SourceVersion == 0 {
		return p.unsignedTx.LockTime
	}

	var (
		maxHeight, maxTime uint32
		allHeights         = true
		allTimes           = true
		anyRequired        bool
	)
	for _, in := range p.Inputs {
		height, hasHeight := in.Get(InRequiredHeightLock, nil)
		time, hasTime := in.Get(InRequiredTimeLock, nil)
		if !hasHeight && !hasTime {
			continue
		}

		anyRequired = true
		if hasHeight && len(height) == 4 {
			v := binary.LittleEndian.Uint32(height)
			if v > maxHeight {
				maxHeight = v
			}
		} else {
			allHeights = false
		}
		if hasTime && len(time) == 4 {
			v := binary.LittleEndian.Uint32(time)
			if v > maxTime {
				maxTime = v
			}
		} else {
			allTimes = false
		}
	}

	switch {
	case anyRequired && allHeights:
		return maxHeight
	case anyRequired && allTimes:
		return maxTime
	}

	fallback, ok := p.Global.Get(GlobalFallbackLocktime, nil)
	if ok && len(fallback) == 4 {
		return binary.LittleEndian.Uint32(fallback)
	}

	return 0
}

// assemble writes the magic and all maps.
func assemble(global Map, inputs, outputs []Map) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(psbtMagic)

	if err := writeMap(&buf, global); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if err := writeMap(&buf, in); err != nil {
			return nil, err
		}
	}
	for _, out := range outputs {
		if err := writeMap(&buf, out); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// stripKeys drops the given key types from every map in the slice.
func stripKeys(maps []Map, keyTypes ...uint64) []Map {
	drop := make(map[uint64]struct{}, len(keyTypes))
	for _, kt := range keyTypes {
		drop[kt] = struct{}{}
	}

	out := make([]Map, len(maps))
	for i, m := range maps {
		for _, kv := range m {
			if _, ok := drop[kv.KeyType]; ok {
				continue
			}
			out[i] = append(out[i], kv)
		}
	}

	return out
}

// le32Field reads a 4 byte little endian map value.
func (m Map) le32Field(keyType uint64) (uint32, error) {
	value, ok := m.Get(keyType, nil)
	if !ok || len(value) != 4 {
		return 0, fmt.Errorf("%w: field %#x is not a 32 bit value",
			ErrMalformedPsbt, keyType)
	}

	return binary.LittleEndian.Uint32(value), nil
}

// le32 encodes a little endian 32 bit value.
func le32(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return buf[:]
}

// le64 encodes a little endian 64 bit value.
func le64(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	return buf[:]
}

// compactSize encodes a bitcoin compact size integer.
func compactSize(v uint64) []byte {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, v); err != nil {
		// Writing to a bytes.Buffer cannot fail.
		panic(err)
	}

	return buf.Bytes()
}
