package keeper

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/securestore"
)

// runIntegrityChecks clears stored records left behind by a previous
// install or written for a different WebApi environment. It runs once per
// process, and only while the store is available
func (k *Keeper) runIntegrityChecks(ctx context.Context) error {
	if m := k.opts.Marker; m != nil {
		installed, err := m.Exists()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read install marker")
		} else if !installed {
			log.Info().Msg("Fresh install detected, clearing secure store")
			k.wipe(ctx)
			if err := m.Set(); err != nil {
				log.Warn().Err(err).Msg("Failed to set install marker")
			}
		}
	}

	return k.checkEnvironment(ctx)
}

func (k *Keeper) environmentHash() string {
	return cryptor.SHA256Hex(k.opts.ClientID + k.opts.ClientSecret)
}

func (k *Keeper) checkEnvironment(ctx context.Context) error {
	want := k.environmentHash()

	stored, err := k.opts.Store.Get(ctx, RecordEnvironment)
	switch {
	case errors.Is(err, securestore.ErrNotFound):
	case err != nil:
		return storeErr("read environment", err)
	case cryptor.TimingSafeEqual(stored, []byte(want)):
		return nil
	default:
		log.Warn().Msg("WebApi environment changed, clearing secure store")
		k.wipe(ctx)
	}

	return k.writeEnvironment(ctx)
}

func (k *Keeper) writeEnvironment(ctx context.Context) error {
	if err := k.opts.Store.Put(ctx, RecordEnvironment, []byte(k.environmentHash())); err != nil {
		return storeErr("write environment", err)
	}
	return nil
}
