// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Taxonomia de erro do boundary. São os ÚNICOS tipos que as telas
// (dashboard/CRUD) precisam traduzir em mensagem pro usuário.
var (
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrAuthRejected       = errors.New("authentication rejected by device")
	ErrMalformedChallenge = errors.New("malformed digest challenge")
	ErrDuplicateDevice    = errors.New("device with same address:port already registered")
	ErrNotFound           = errors.New("not found")
)

// DeviceError marca um erro de operação com o id do device de origem,
// preservando o tipo original para errors.Is.
type DeviceError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// TagDevice embrulha err com o device id. Retorna nil se err for nil.
func TagDevice(deviceID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{DeviceID: deviceID, Op: op, Err: err}
}
