package tdma

import (
	"context"
	"time"
)

// Run is the TDMA worker task: it walks the cyclic job list forever,
// firing each job's behavior in order, until ctx is canceled. Callers
// typically supervise it alongside the stack manager task with an
// errgroup, per the three-execution-context model.
func (d *Discipline) Run(ctx context.Context) error {
	d.log.Info("tdma worker started")
	defer d.log.Info("tdma worker stopped")

	cur := d.jobs.firstJob()
	if cur == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	d.cycleStartNs.Store(time.Now().UnixNano())

	started := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if cur == d.jobs.firstJob() {
			if started {
				d.cycleNo.Add(1)
				if d.selfGeneratesClock() {
					next := d.cycleStartNs.Add(int64(d.cyclePeriod))
					// A self-generating clock (master, or an active
					// backup master) paces its own cycle boundary; a
					// synced slave is already paced by WAIT_ON_SYNC's
					// bounded block, so it must not also sleep here.
					if !d.sleepUntil(ctx, time.Unix(0, next)) {
						return ctx.Err()
					}
				}
			}
			started = true
		}

		d.fireJob(ctx, cur)

		nxt := d.jobs.peekNext(cur)
		if nxt == nil {
			return nil // our job (or the whole list) was removed underneath us
		}
		cur = nxt
	}
}

// selfGeneratesClock reports whether this node advances cycleStartNs on
// its own (a primary master always does; a backup master only once it
// has taken over sync generation).
func (d *Discipline) selfGeneratesClock() bool {
	switch Role(d.role.Load()) {
	case RoleMaster:
		return true
	case RoleBackupMaster:
		return d.backupActive.Load()
	default:
		return false
	}
}

func (d *Discipline) fireJob(ctx context.Context, j *job) {
	j.refCount.Add(1)
	defer j.refCount.Add(-1)

	switch {
	case j.id == jobXmitSync:
		if Role(d.role.Load()) == RoleMaster {
			_ = d.broadcast(buildSyncFrame(d.cycleStartNs.Load()))
		}
	case j.id == jobBackupSync:
		if Role(d.role.Load()) == RoleBackupMaster && d.shouldTakeOverAsBackup() {
			d.backupActive.Store(true)
			_ = d.broadcast(buildSyncFrame(d.cycleStartNs.Load()))
		}
	case j.id == jobWaitOnSync:
		d.waitForSync(ctx)
	case j.id == jobXmitReplyCal:
		if ts, ok := d.consumePendingCalReply(); ok {
			_ = d.broadcast(buildCalReply(ts, time.Now().UnixNano()))
		}
	case j.slot != nil:
		d.fireSlot(ctx, j)
	}
}

// shouldTakeOverAsBackup implements the backup-master failure
// semantics: transmit BACKUP_SYNC only once more than backupSyncInc
// minus the cycle period has passed since the last primary sync was
// heard (at once if none has been heard).
func (d *Discipline) shouldTakeOverAsBackup() bool {
	if d.backupSyncInc <= 0 {
		return false
	}
	threshold := d.backupSyncInc - d.cyclePeriod
	lastSyncNs := d.lastSyncNs.Load()
	if lastSyncNs == 0 {
		return true // never heard a primary; assume it is absent
	}
	return time.Since(time.Unix(0, lastSyncNs)) > threshold
}

// waitForSync blocks until the sync-receive path signals sync_event,
// the cycle period elapses without one (a missed sync, tracked per the
// failure semantics), or ctx is canceled.
func (d *Discipline) waitForSync(ctx context.Context) {
	timer := time.NewTimer(d.cyclePeriod)
	defer timer.Stop()
	select {
	case <-d.syncEventCh:
	case <-timer.C:
		if d.missedSyncs.Add(1) >= missedSyncLimit {
			d.syncLost.Store(true)
			d.calibrated.Store(false)
		}
	case <-ctx.Done():
	}
}

// fireSlot waits (if this cycle is one this slot fires on) until the
// slot's offset into the cycle, then dequeues and transmits at most
// one packet. A slot with nothing queued fires nothing; a slot with
// more queued than fits in one firing simply retains the excess for
// the next firing, per the slot-overrun semantics.
func (d *Discipline) fireSlot(ctx context.Context, j *job) {
	s := j.slot
	if d.cycleNo.Load()%uint64(s.Period) != uint64(s.Phasing) {
		return
	}
	deadline := time.Unix(0, d.cycleStartNs.Load()).Add(s.Offset)
	if !d.sleepUntil(ctx, deadline) {
		return
	}
	skb := s.queue.Dequeue()
	if skb == nil {
		return
	}
	_ = d.dev.DriverXmit(skb)
}

func (d *Discipline) sleepUntil(ctx context.Context, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Discipline) consumePendingCalReply() (int64, bool) {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if !d.calReplyPending {
		return 0, false
	}
	d.calReplyPending = false
	return d.calRequesterTs, true
}
