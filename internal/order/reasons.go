package order

import (
	"fmt"
	"strconv"

	"github.com/becknlabs/beckn-engine/internal/protocol"
)

// Standardized reason code ranges. Cancellation: buyer 001–016, seller
// 017–020. Return: buyer 001–008, seller 009–011.
const (
	cancelBuyerMax  = 16
	cancelSellerMax = 20
	returnBuyerMax  = 8
	returnSellerMax = 11
)

// ValidateCancellationReason rejects codes outside the standardized table.
func ValidateCancellationReason(code string) *protocol.Error {
	return validateReason(code, cancelSellerMax, "cancellation")
}

// ValidateReturnReason rejects codes outside the standardized table.
func ValidateReturnReason(code string) *protocol.Error {
	return validateReason(code, returnSellerMax, "return")
}

func validateReason(code string, max int, kind string) *protocol.Error {
	n, err := strconv.Atoi(code)
	if err != nil || n < 1 || n > max {
		return protocol.NewError(protocol.KindBusinessError, protocol.CodeInvalidValue,
			"unknown %s reason code %q", kind, code)
	}
	return nil
}

// ReasonActor classifies who a cancellation reason belongs to.
func ReasonActor(code string, sellerMin int) string {
	n, err := strconv.Atoi(code)
	if err != nil {
		return ""
	}
	if n >= sellerMin {
		return "seller"
	}
	return "buyer"
}

// CancellationActor returns "buyer" or "seller" for a cancellation code.
func CancellationActor(code string) string {
	return ReasonActor(code, cancelBuyerMax+1)
}

// ReturnActor returns "buyer" or "seller" for a return code.
func ReturnActor(code string) string {
	return ReasonActor(code, returnBuyerMax+1)
}

// FormatCode normalizes a numeric reason into the zero-padded wire form.
func FormatCode(n int) string {
	return fmt.Sprintf("%03d", n)
}
