package domain

import "github.com/cockroachdb/errors"

// Error kinds. Every reason error below is marked with exactly one kind so
// callers can branch on errors.Is(err, ErrConflict) without knowing the reason.
var (
	ErrValidation    = errors.New("validation")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrStateConflict = errors.New("state conflict")

	ErrSerializationFailure = errors.Mark(errors.New("serialization failure"), ErrConflict)
)

// Code is the reason code surfaced to callers for rejected operations.
type Code string

const (
	CodeInvalidBuyer          Code = "INVALID_BUYER"
	CodeInvalidQuantity       Code = "INVALID_QUANTITY"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInvalidLine           Code = "INVALID_LINE"
	CodeEmptyCart             Code = "EMPTY_CART"
	CodeEmptyTotal            Code = "EMPTY_TOTAL"
	CodeSeatRequired          Code = "SEAT_REQUIRED"
	CodeWalletRequiresUser    Code = "WALLET_REQUIRES_REGISTERED_BUYER"
	CodeOutOfStock            Code = "OUT_OF_STOCK"
	CodeSeatUnavailable       Code = "SEAT_UNAVAILABLE"
	CodeOverPurchaseLimit     Code = "OVER_PURCHASE_LIMIT"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeAmountMismatch        Code = "AMOUNT_MISMATCH"
	CodeRefundExceedsPayment  Code = "REFUND_EXCEEDS_PAYMENT"
	CodePurchaseNotFound      Code = "PURCHASE_NOT_FOUND"
	CodeTicketTypeNotFound    Code = "TICKET_TYPE_NOT_FOUND"
	CodeSeatNotFound          Code = "SEAT_NOT_FOUND"
	CodeWalletNotFound        Code = "WALLET_NOT_FOUND"
	CodeTicketNotFound        Code = "TICKET_NOT_FOUND"
	CodeValidationNotFound    Code = "VALIDATION_RECORD_NOT_FOUND"
	CodePaymentNotFound       Code = "PAYMENT_NOT_FOUND"
	CodeReservationNotFound   Code = "RESERVATION_NOT_FOUND"
	CodeDuplicate             Code = "DUPLICATE"
	CodePurchaseTerminal      Code = "PURCHASE_TERMINAL"
	CodePurchaseNotCompleted  Code = "PURCHASE_NOT_COMPLETED"
	CodeReservationReleased   Code = "RESERVATION_RELEASED"
	CodeTicketAlreadyUsed     Code = "TICKET_ALREADY_USED"
	CodeTicketVoided          Code = "TICKET_VOIDED"
	CodeTicketNotUsed         Code = "TICKET_NOT_USED"
	CodeAlreadyReverted       Code = "VALIDATION_ALREADY_REVERTED"
	CodePaymentNotPending     Code = "PAYMENT_NOT_PENDING"
	CodePaymentNotApproved    Code = "PAYMENT_NOT_APPROVED"
	CodeInvalidMethod         Code = "INVALID_PAYMENT_METHOD"
	CodeInvalidEvent          Code = "INVALID_EVENT"
	CodeSerializationConflict Code = "TRY_AGAIN"
	CodeInternal              Code = "INTERNAL"
)

func reason(code Code, kind error) error {
	return errors.Mark(errors.New(string(code)), kind)
}

var (
	ErrInvalidBuyer        = reason(CodeInvalidBuyer, ErrValidation)
	ErrInvalidQuantity     = reason(CodeInvalidQuantity, ErrValidation)
	ErrInvalidAmount       = reason(CodeInvalidAmount, ErrValidation)
	ErrInvalidLine         = reason(CodeInvalidLine, ErrValidation)
	ErrEmptyCart           = reason(CodeEmptyCart, ErrValidation)
	ErrEmptyTotal          = reason(CodeEmptyTotal, ErrValidation)
	ErrSeatRequired        = reason(CodeSeatRequired, ErrValidation)
	ErrWalletRequiresUser  = reason(CodeWalletRequiresUser, ErrValidation)
	ErrAmountMismatch      = reason(CodeAmountMismatch, ErrValidation)
	ErrInvalidMethod       = reason(CodeInvalidMethod, ErrValidation)
	ErrInvalidEvent        = reason(CodeInvalidEvent, ErrValidation)
	ErrOutOfStock          = reason(CodeOutOfStock, ErrConflict)
	ErrSeatUnavailable     = reason(CodeSeatUnavailable, ErrConflict)
	ErrOverPurchaseLimit   = reason(CodeOverPurchaseLimit, ErrConflict)
	ErrInsufficientBalance = reason(CodeInsufficientBalance, ErrConflict)
	ErrRefundExceeds       = reason(CodeRefundExceedsPayment, ErrConflict)
	ErrPurchaseNotFound    = reason(CodePurchaseNotFound, ErrNotFound)
	ErrTicketTypeNotFound  = reason(CodeTicketTypeNotFound, ErrNotFound)
	ErrSeatNotFound        = reason(CodeSeatNotFound, ErrNotFound)
	ErrWalletNotFound      = reason(CodeWalletNotFound, ErrNotFound)
	ErrTicketNotFound      = reason(CodeTicketNotFound, ErrNotFound)
	ErrValidationNotFound  = reason(CodeValidationNotFound, ErrNotFound)
	ErrPaymentNotFound     = reason(CodePaymentNotFound, ErrNotFound)
	ErrReservationNotFound = reason(CodeReservationNotFound, ErrNotFound)
	ErrPurchaseTerminal    = reason(CodePurchaseTerminal, ErrStateConflict)
	ErrPurchaseNotComplete = reason(CodePurchaseNotCompleted, ErrStateConflict)
	ErrReservationReleased = reason(CodeReservationReleased, ErrStateConflict)
	ErrTicketAlreadyUsed   = reason(CodeTicketAlreadyUsed, ErrStateConflict)
	ErrTicketVoided        = reason(CodeTicketVoided, ErrStateConflict)
	ErrTicketNotUsed       = reason(CodeTicketNotUsed, ErrStateConflict)
	ErrAlreadyReverted     = reason(CodeAlreadyReverted, ErrStateConflict)
	ErrPaymentNotPending   = reason(CodePaymentNotPending, ErrStateConflict)
	ErrPaymentNotApproved  = reason(CodePaymentNotApproved, ErrStateConflict)
)

var reasons = []error{
	ErrInvalidBuyer, ErrInvalidQuantity, ErrInvalidAmount, ErrInvalidLine, ErrEmptyCart,
	ErrEmptyTotal, ErrSeatRequired, ErrWalletRequiresUser, ErrAmountMismatch, ErrInvalidMethod, ErrInvalidEvent,
	ErrOutOfStock, ErrSeatUnavailable, ErrOverPurchaseLimit, ErrInsufficientBalance, ErrRefundExceeds,
	ErrPurchaseNotFound, ErrTicketTypeNotFound, ErrSeatNotFound, ErrWalletNotFound, ErrTicketNotFound,
	ErrValidationNotFound, ErrPaymentNotFound, ErrReservationNotFound,
	ErrPurchaseTerminal, ErrPurchaseNotComplete, ErrReservationReleased, ErrTicketAlreadyUsed,
	ErrTicketVoided, ErrTicketNotUsed, ErrAlreadyReverted, ErrPaymentNotPending, ErrPaymentNotApproved,
}

// CodeOf returns the reason code carried by err, or CodeInternal when err is
// not one of the typed failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r) {
			return Code(r.Error())
		}
	}
	switch {
	case errors.Is(err, ErrSerializationFailure):
		return CodeSerializationConflict
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	}
	return CodeInternal
}
