// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"
)

// OccupiedCoreAssumption is the assumption candidate validation makes about
// why a parachain's core is currently occupied, used to select which
// validation data the runtime should hand back.
type OccupiedCoreAssumption scale.VaryingDataType

// NewOccupiedCoreAssumption returns a new, unset OccupiedCoreAssumption.
func NewOccupiedCoreAssumption() OccupiedCoreAssumption {
	vdt := scale.MustNewVaryingDataType(IncludedOccupiedCoreAssumption{}, TimedOutOccupiedCoreAssumption{})
	return OccupiedCoreAssumption(vdt)
}

// SetValue assigns one of the registered assumption variants.
func (o *OccupiedCoreAssumption) SetValue(val any) error {
	vdtVal, ok := val.(scale.VaryingDataTypeValue)
	if !ok {
		return fmt.Errorf("%T does not implement VaryingDataTypeValue", val)
	}
	vdt := scale.VaryingDataType(*o)
	if err := vdt.Set(vdtVal); err != nil {
		return fmt.Errorf("setting occupied core assumption: %w", err)
	}
	*o = OccupiedCoreAssumption(vdt)
	return nil
}

// Value returns the currently set assumption variant.
func (o *OccupiedCoreAssumption) Value() (scale.VaryingDataTypeValue, error) {
	vdt := scale.VaryingDataType(*o)
	return vdt.Value()
}

// IncludedOccupiedCoreAssumption: the candidate occupying the core was
// included and is now a part of the relay-chain state.
type IncludedOccupiedCoreAssumption struct{}

func (IncludedOccupiedCoreAssumption) Index() uint { return 0 }

// TimedOutOccupiedCoreAssumption: the candidate occupying the core timed
// out and was not included.
type TimedOutOccupiedCoreAssumption struct{}

func (TimedOutOccupiedCoreAssumption) Index() uint { return 1 }
