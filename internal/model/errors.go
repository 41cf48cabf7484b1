package model

import "errors"

var (
	// ErrSubstanceNotFound возвращается, если код вещества отсутствует в справочнике.
	ErrSubstanceNotFound = errors.New("substance not found")
	// ErrAccountNotFound возвращается, если у импортёра нет квотного счёта.
	ErrAccountNotFound = errors.New("quota account not found")
	// ErrRequestNotFound возвращается, если заявка не найдена.
	ErrRequestNotFound = errors.New("import request not found")
	// ErrAlreadySettled возвращается при повторном списании уже списанной заявки.
	ErrAlreadySettled = errors.New("import request already settled")
	// ErrRequestNotApproved возвращается при попытке списать неодобренную заявку.
	ErrRequestNotApproved = errors.New("import request is not approved")
	// ErrRequestOwnership возвращается, если заявка принадлежит другому импортёру.
	ErrRequestOwnership = errors.New("import request belongs to another importer")
	// ErrInvalidStatusTransition возвращается при недопустимой смене статуса заявки.
	ErrInvalidStatusTransition = errors.New("invalid import status transition")
	// ErrInvalidLineItem возвращается для строки с неположительным числом тары или количеством.
	ErrInvalidLineItem = errors.New("invalid import line item")
	// ErrValueOutOfRange возвращается, если значение не помещается в хранилище.
	ErrValueOutOfRange = errors.New("value out of range")
	// ErrStoreUnavailable оборачивает временные ошибки хранилища.
	ErrStoreUnavailable = errors.New("store unavailable")
)
