package keeper

import (
	"errors"

	"github.com/awnumar/memguard"
)

var errKeyUnavailable = errors.New("keeper: derived key unavailable")

// sealedKey keeps the user-derived key encrypted in memory between uses
type sealedKey struct {
	enclave *memguard.Enclave
}

// sealKey moves key into an enclave and wipes the source bytes
func sealKey(key []byte) *sealedKey {
	if len(key) == 0 {
		return nil
	}
	return &sealedKey{enclave: memguard.NewBufferFromBytes(key).Seal()}
}

// with opens the enclave for the duration of fn
func (k *sealedKey) with(fn func(key string) error) error {
	if k == nil || k.enclave == nil {
		return errKeyUnavailable
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return errKeyUnavailable
	}
	defer buf.Destroy()
	return fn(buf.String())
}
