package fota

import (
	"context"
	"fmt"

	"github.com/ecowatt/agent/internal/kvstore"
)

const (
	keyPendingVersion   = "fota/pending_version"
	keyBootCount        = "fota/boot_count"
	keyConfirmed        = "fota/confirmed"
	keyLastGoodVersion  = "fota/last_good_version"
	keyConsecRollbacks  = "fota/consecutive_rollbacks"
	keyRebootReason     = "fota/reboot_reason"
	keyFactoryResetFlag = "fota/factory_reset_required"
)

// Record is the persisted FOTA state surviving a reboot.
type Record struct {
	PendingVersion       string
	BootCount            uint32
	Confirmed            bool
	LastGoodVersion      string
	ConsecutiveRollbacks uint32
	RebootReason         string
	FactoryResetRequired bool
}

func loadRecord(ctx context.Context, s kvstore.Store) (Record, error) {
	var r Record
	var err error

	if r.PendingVersion, _, err = kvstore.GetString(ctx, s, keyPendingVersion); err != nil {
		return Record{}, fmt.Errorf("fota: load pending_version: %w", err)
	}
	if r.BootCount, _, err = kvstore.GetUint32(ctx, s, keyBootCount); err != nil {
		return Record{}, fmt.Errorf("fota: load boot_count: %w", err)
	}
	if r.Confirmed, _, err = kvstore.GetBool(ctx, s, keyConfirmed); err != nil {
		return Record{}, fmt.Errorf("fota: load confirmed: %w", err)
	}
	if r.LastGoodVersion, _, err = kvstore.GetString(ctx, s, keyLastGoodVersion); err != nil {
		return Record{}, fmt.Errorf("fota: load last_good_version: %w", err)
	}
	if r.ConsecutiveRollbacks, _, err = kvstore.GetUint32(ctx, s, keyConsecRollbacks); err != nil {
		return Record{}, fmt.Errorf("fota: load consecutive_rollbacks: %w", err)
	}
	if r.RebootReason, _, err = kvstore.GetString(ctx, s, keyRebootReason); err != nil {
		return Record{}, fmt.Errorf("fota: load reboot_reason: %w", err)
	}
	if r.FactoryResetRequired, _, err = kvstore.GetBool(ctx, s, keyFactoryResetFlag); err != nil {
		return Record{}, fmt.Errorf("fota: load factory_reset_required: %w", err)
	}
	return r, nil
}

func persistRecord(ctx context.Context, s kvstore.Store, r Record) error {
	if err := s.Set(ctx, keyPendingVersion, r.PendingVersion); err != nil {
		return fmt.Errorf("fota: persist pending_version: %w", err)
	}
	if err := kvstore.SetUint32(ctx, s, keyBootCount, r.BootCount); err != nil {
		return fmt.Errorf("fota: persist boot_count: %w", err)
	}
	if err := kvstore.SetBool(ctx, s, keyConfirmed, r.Confirmed); err != nil {
		return fmt.Errorf("fota: persist confirmed: %w", err)
	}
	if err := s.Set(ctx, keyLastGoodVersion, r.LastGoodVersion); err != nil {
		return fmt.Errorf("fota: persist last_good_version: %w", err)
	}
	if err := kvstore.SetUint32(ctx, s, keyConsecRollbacks, r.ConsecutiveRollbacks); err != nil {
		return fmt.Errorf("fota: persist consecutive_rollbacks: %w", err)
	}
	if err := s.Set(ctx, keyRebootReason, r.RebootReason); err != nil {
		return fmt.Errorf("fota: persist reboot_reason: %w", err)
	}
	if err := kvstore.SetBool(ctx, s, keyFactoryResetFlag, r.FactoryResetRequired); err != nil {
		return fmt.Errorf("fota: persist factory_reset_required: %w", err)
	}
	return nil
}
