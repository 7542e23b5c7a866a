package domain

import "errors"

var (
	ErrNotFound            = errors.New("order not found")
	ErrOutOfStock          = errors.New("out of stock")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrPaymentInitFailed   = errors.New("payment init failed")
	ErrOrphanedReservation = errors.New("orphaned reservation detected")
	ErrAlreadyDelivered    = errors.New("order already delivered")
	ErrNotReady            = errors.New("order not ready for delivery")
	ErrForgedNotification  = errors.New("forged payment notification")
	ErrInvalidTransition   = errors.New("invalid order transition")
	ErrNotOwner            = errors.New("order belongs to another buyer")
	ErrRateLimited         = errors.New("too many requests")
	ErrTooManyLiveOrders   = errors.New("too many unpaid orders")
	ErrInvalidRequest      = errors.New("invalid request")
)
