package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1 << 22,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeUpdate(u Update) []byte {
	data, err := encMode.Marshal(u)
	if err != nil {
		// Update only holds plain values; marshal cannot fail.
		panic(err)
	}
	return data
}

func DecodeUpdate(data []byte) (Update, error) {
	if len(data) == 0 {
		return Update{}, fmt.Errorf("%w: empty payload", ErrCorruptUpdate)
	}
	var u Update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	for i := range u.Ops {
		if err := validateOp(u.Ops[i]); err != nil {
			return Update{}, fmt.Errorf("%w: op %d: %v", ErrCorruptUpdate, i, err)
		}
	}
	return u, nil
}

func EncodeStateVector(sv StateVector) []byte {
	if sv == nil {
		sv = StateVector{}
	}
	data, err := encMode.Marshal(sv)
	if err != nil {
		panic(err)
	}
	return data
}

func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := decMode.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrCorruptUpdate, err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}

func validateOp(op Op) error {
	refs := []*ID{op.Origin, op.RightOrigin, op.Target}
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		if ref.Client == op.ID.Client && ref.Clock >= op.ID.Clock {
			return fmt.Errorf("reference %s does not precede %s", ref, op.ID)
		}
	}
	switch op.Kind {
	case OpInsert:
		if op.Leaf == nil {
			return fmt.Errorf("insert %s without leaf", op.ID)
		}
		if op.Target != nil {
			return fmt.Errorf("insert %s with target", op.ID)
		}
		if op.Leaf.Type == "" {
			return fmt.Errorf("insert %s with untyped leaf", op.ID)
		}
		if op.Leaf.Type == LeafChar && utf8.RuneCountInString(op.Leaf.Text) != 1 {
			return fmt.Errorf("char leaf %s must hold one rune", op.ID)
		}
	case OpDelete:
		if op.Target == nil {
			return fmt.Errorf("delete %s without target", op.ID)
		}
	case OpFormat:
		if op.Target == nil || op.Key == "" {
			return fmt.Errorf("format %s without target or key", op.ID)
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}
