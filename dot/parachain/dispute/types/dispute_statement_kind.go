package types

import (
	"fmt"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// ValidDisputeStatementKind distinguishes the various ways a validator can
// have arrived at declaring a candidate valid, reusing the same signature
// the backing/approval subsystems already produced where possible so a
// dispute statement need not always be freshly signed.
type ValidDisputeStatementKind scale.VaryingDataType

func NewValidDisputeStatementKind() ValidDisputeStatementKind {
	vdt := scale.MustNewVaryingDataType(
		ExplicitValidDisputeStatementKind{},
		BackingSeconded{},
		BackingValid{},
		ApprovalChecking{},
	)
	return ValidDisputeStatementKind(vdt)
}

func (v *ValidDisputeStatementKind) Set(val scale.VaryingDataTypeValue) error {
	vdt := scale.VaryingDataType(*v)
	if err := vdt.Set(val); err != nil {
		return fmt.Errorf("setting valid dispute statement kind: %w", err)
	}
	*v = ValidDisputeStatementKind(vdt)
	return nil
}

func (v *ValidDisputeStatementKind) Value() (scale.VaryingDataTypeValue, error) {
	vdt := scale.VaryingDataType(*v)
	return vdt.Value()
}

// Index lets ValidDisputeStatementKind itself serve as a variant of the
// outer DisputeStatement sum type.
func (ValidDisputeStatementKind) Index() uint { return 0 }

// ExplicitValidDisputeStatementKind is a freshly signed "I believe this
// candidate is valid" statement, issued specifically for a dispute.
type ExplicitValidDisputeStatementKind struct{}

func (ExplicitValidDisputeStatementKind) Index() uint { return 0 }

// BackingSeconded reuses a Seconded backing statement as valid-vote evidence.
type BackingSeconded common.Hash

func (BackingSeconded) Index() uint { return 1 }

// BackingValid reuses a Valid backing statement as valid-vote evidence.
type BackingValid common.Hash

func (BackingValid) Index() uint { return 2 }

// ApprovalChecking reuses an approval-checking vote as valid-vote evidence.
type ApprovalChecking struct{}

func (ApprovalChecking) Index() uint { return 3 }

// InvalidDisputeStatementKind distinguishes the ways a validator can have
// arrived at declaring a candidate invalid. Only the explicit kind is
// currently produced.
type InvalidDisputeStatementKind scale.VaryingDataType

func NewInvalidDisputeStatementKind() InvalidDisputeStatementKind {
	vdt := scale.MustNewVaryingDataType(ExplicitInvalidDisputeStatementKind{})
	return InvalidDisputeStatementKind(vdt)
}

func (v *InvalidDisputeStatementKind) Set(val scale.VaryingDataTypeValue) error {
	vdt := scale.VaryingDataType(*v)
	if err := vdt.Set(val); err != nil {
		return fmt.Errorf("setting invalid dispute statement kind: %w", err)
	}
	*v = InvalidDisputeStatementKind(vdt)
	return nil
}

func (v *InvalidDisputeStatementKind) Value() (scale.VaryingDataTypeValue, error) {
	vdt := scale.VaryingDataType(*v)
	return vdt.Value()
}

// Index lets InvalidDisputeStatementKind itself serve as a variant of the
// outer DisputeStatement sum type.
func (InvalidDisputeStatementKind) Index() uint { return 1 }

// ExplicitInvalidDisputeStatementKind is a freshly signed "I believe this
// candidate is invalid" statement, issued specifically for a dispute.
type ExplicitInvalidDisputeStatementKind struct{}

func (ExplicitInvalidDisputeStatementKind) Index() uint { return 0 }

// DisputeStatement is either a ValidDisputeStatementKind or an
// InvalidDisputeStatementKind, the outer sum type carried alongside a
// dispute vote.
type DisputeStatement scale.VaryingDataType

func NewDisputeStatement() DisputeStatement {
	vdt := scale.MustNewVaryingDataType(ValidDisputeStatementKind{}, InvalidDisputeStatementKind{})
	return DisputeStatement(vdt)
}

func (d *DisputeStatement) Set(val scale.VaryingDataTypeValue) error {
	vdt := scale.VaryingDataType(*d)
	if err := vdt.Set(val); err != nil {
		return fmt.Errorf("setting dispute statement: %w", err)
	}
	*d = DisputeStatement(vdt)
	return nil
}

func (d *DisputeStatement) Value() (scale.VaryingDataTypeValue, error) {
	vdt := scale.VaryingDataType(*d)
	return vdt.Value()
}

// IsValid reports whether the statement asserts validity.
func (d *DisputeStatement) IsValid() (bool, error) {
	val, err := d.Value()
	if err != nil {
		return false, fmt.Errorf("getting dispute statement value: %w", err)
	}
	switch val.(type) {
	case ValidDisputeStatementKind:
		return true, nil
	case InvalidDisputeStatementKind:
		return false, nil
	default:
		return false, fmt.Errorf("unknown dispute statement kind %T", val)
	}
}
