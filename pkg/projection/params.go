package projection

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidParameters wraps every validation failure.
var ErrInvalidParameters = errors.New("invalid parameters")

// Parameters are the marketing inputs of a projection. Margins are percent.
type Parameters struct {
	MSRP               float64 `json:"msrp" validate:"gt=0"`
	DistributorMargin  float64 `json:"distributorMargin" validate:"gte=0,lt=100"`
	RetailerMargin     float64 `json:"retailerMargin" validate:"gte=0,lt=100"`
	VolumeCommitment   float64 `json:"volumeCommitment" validate:"gte=0"`
	MarketingSpend     float64 `json:"marketingSpend" validate:"gte=0"`
	SeasonalAdjustment float64 `json:"seasonalAdjustment" validate:"gt=0,lte=5"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges of every field.
func (p Parameters) Validate() error {
	return validateStruct(p)
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%w: %s failed %q (%d problem(s))", ErrInvalidParameters, first.Namespace(), first.Tag(), len(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// ChangedFields lists the JSON names of fields that differ between prev and
// next, in declaration order.
func ChangedFields(prev, next Parameters) []string {
	var changed []string
	add := func(name string, a, b float64) {
		if a != b {
			changed = append(changed, name)
		}
	}
	add("msrp", prev.MSRP, next.MSRP)
	add("distributorMargin", prev.DistributorMargin, next.DistributorMargin)
	add("retailerMargin", prev.RetailerMargin, next.RetailerMargin)
	add("volumeCommitment", prev.VolumeCommitment, next.VolumeCommitment)
	add("marketingSpend", prev.MarketingSpend, next.MarketingSpend)
	add("seasonalAdjustment", prev.SeasonalAdjustment, next.SeasonalAdjustment)
	return changed
}
