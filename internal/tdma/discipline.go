// Package tdma implements the TDMA media-access discipline (spec
// component G): a cyclic job list walked by a single worker task that
// transmits sync frames, fires slot transmissions in timestamp order,
// and (on a slave) tracks a master's sync broadcasts to stay in phase.
package tdma

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// Role names the node's position in the cell.
type Role int32

const (
	RoleSlave Role = iota
	RoleMaster
	RoleBackupMaster
)

// DefaultSlotID is the slot transmit(skb) without an explicit
// destination falls into, unless its priority maps to another slot.
const DefaultSlotID int32 = 0

// missedSyncLimit is the number of consecutive missed syncs a slave
// tolerates before declaring sync lost, per the failure semantics.
const missedSyncLimit = 2

// quiescePollInterval is the spin-sleep granularity used while waiting
// for a removed slot's reference count to reach zero.
var quiescePollInterval = 100 * time.Millisecond

// Discipline is a TDMA MAC discipline attached to one device. It
// implements rtdev.MACDiscipline (PacketTx) and stackmgr.PacketHandler
// (HandlePacket, registered for the RTmac EtherType).
type Discipline struct {
	dev         *rtdev.Device
	pool        *rtskb.Pool // backs sync/calibration frames this node originates
	cyclePeriod time.Duration
	log         *zap.Logger

	mu            sync.Mutex // guards jobs/slots structural changes ("the TDMA lock")
	jobs          jobList
	slotsByID     map[int32]*Slot
	defaultSlotID int32

	role atomic.Int32

	cycleStartNs atomic.Int64
	cycleNo      atomic.Uint64

	syncEventCh  chan struct{}
	lastSyncNs   atomic.Int64
	missedSyncs  atomic.Int32
	calibrated   atomic.Bool
	syncLost     atomic.Bool

	backupSyncInc time.Duration // 0 disables backup-master takeover logic
	backupActive  atomic.Bool   // true once this backup master has started generating sync itself

	calMu           sync.Mutex
	calRequesterTs  int64
	calReplyPending bool
}

// New creates a TDMA discipline for dev, cycling every cyclePeriod. It
// starts out unattached and in the slave role; call Attach once the
// role and any slots are configured.
func New(dev *rtdev.Device, pool *rtskb.Pool, cyclePeriod time.Duration, log *zap.Logger) *Discipline {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Discipline{
		dev:           dev,
		pool:          pool,
		cyclePeriod:   cyclePeriod,
		log:           log.Named("tdma").With(zap.String("device", dev.Name())),
		slotsByID:     make(map[int32]*Slot),
		defaultSlotID: DefaultSlotID,
		syncEventCh:   make(chan struct{}, 1),
	}
	d.role.Store(int32(RoleSlave))
	d.mu.Lock()
	d.resetSyntheticJobsLocked()
	d.mu.Unlock()
	return d
}

// Attach installs this discipline as dev's MAC discipline. The
// synthetic jobs for the role are set up by New and the Become*
// methods, not by Attach.
func (d *Discipline) Attach() {
	d.dev.AttachMAC(d)
}

// Detach removes this discipline from its device.
func (d *Discipline) Detach() {
	d.dev.DetachMAC()
}

// BecomeMaster configures this node as the cell's primary master: it
// transmits the sync frame at the start of every cycle.
func (d *Discipline) BecomeMaster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.role.Store(int32(RoleMaster))
	d.backupSyncInc = 0
	d.resetSyntheticJobsLocked()
}

// BecomeSlave configures this node to wait for another node's sync
// broadcasts rather than generating them.
func (d *Discipline) BecomeSlave() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.role.Store(int32(RoleSlave))
	d.resetSyntheticJobsLocked()
}

// BecomeBackupMaster configures this node to stand by as a slave and
// take over sync generation once the primary has been silent for
// longer than backupSyncInc minus the cycle period.
func (d *Discipline) BecomeBackupMaster(backupSyncInc time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.role.Store(int32(RoleBackupMaster))
	d.backupSyncInc = backupSyncInc
	d.resetSyntheticJobsLocked()
}

func (d *Discipline) resetSyntheticJobsLocked() {
	for _, id := range []int32{jobXmitSync, jobBackupSync, jobWaitOnSync, jobXmitReplyCal} {
		if j := d.jobs.find(id); j != nil {
			d.jobs.remove(j)
		}
	}
	switch Role(d.role.Load()) {
	case RoleMaster:
		d.jobs.insert(&job{id: jobXmitSync})
	case RoleBackupMaster:
		// BACKUP_SYNC must be evaluated before WAIT_ON_SYNC each lap —
		// it decides whether this node asserts itself as master before
		// falling through to block on an incoming primary sync.
		d.jobs.insert(&job{id: jobBackupSync})
		d.jobs.insert(&job{id: jobWaitOnSync, offset: time.Nanosecond})
	default:
		d.jobs.insert(&job{id: jobWaitOnSync})
	}
	// XMIT_RPL_CAL runs last in the lap so a reply prepared earlier in
	// the same cycle by handleCalRequest always has a job firing left
	// to carry it out.
	d.jobs.insert(&job{id: jobXmitReplyCal, offset: d.cyclePeriod})
}

// AddSlot installs a new transmit slot. It is non-RT-context
// configuration: it constructs the slot, then splices its job into the
// list under the discipline lock.
func (d *Discipline) AddSlot(id int32, offset time.Duration, period, phasing uint32, mtu int) error {
	if id < 0 {
		return rterr.ErrAlreadyExists
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slotsByID[id]; exists {
		return rterr.ErrAlreadyExists
	}
	if period == 0 {
		period = 1
	}
	s := &Slot{ID: id, Offset: offset, Period: period, Phasing: phasing % period, MTU: mtu}
	d.slotsByID[id] = s
	d.jobs.insert(&job{id: id, offset: offset, slot: s})
	return nil
}

// RemoveSlot splices the slot's job out of the list, then spin-waits
// (at quiescePollInterval granularity) for its reference count to drop
// to zero before discarding it — the same "quiesce before free"
// pattern used at device unregistration and socket close.
func (d *Discipline) RemoveSlot(id int32) error {
	d.mu.Lock()
	j := d.jobs.find(id)
	if j == nil {
		d.mu.Unlock()
		return rterr.ErrNotFound
	}
	d.jobs.remove(j)
	delete(d.slotsByID, id)
	d.mu.Unlock()

	for j.refCount.Load() > 0 {
		time.Sleep(quiescePollInterval)
	}
	j.slot.queue.Purge()
	return nil
}

// MTU advertises the smallest MTU among all configured slots, or the
// underlying device's MTU if no slots are configured.
func (d *Discipline) MTU() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.slotsByID) == 0 {
		return d.dev.MTU
	}
	min := -1
	for _, s := range d.slotsByID {
		if min == -1 || s.MTU < min {
			min = s.MTU
		}
	}
	return min
}

// Calibrated reports whether this slave currently trusts its phase
// lock to the master.
func (d *Discipline) Calibrated() bool { return d.calibrated.Load() }

// SyncLost reports whether two consecutive syncs have been missed.
func (d *Discipline) SyncLost() bool { return d.syncLost.Load() }

// PacketTx implements rtdev.MACDiscipline. It places skb on the
// transmit slot selected by priority (or the default slot) and returns
// immediately; the actual wire transmission happens when the worker
// task's job walk reaches that slot's firing.
func (d *Discipline) PacketTx(skb *rtskb.Skb, dev *rtdev.Device) error {
	slotID := d.defaultSlotID
	d.mu.Lock()
	if _, ok := d.slotsByID[int32(skb.Priority)]; ok {
		slotID = int32(skb.Priority)
	}
	s := d.slotsByID[slotID]
	d.mu.Unlock()
	if s == nil {
		rtskb.Free(skb)
		return rterr.ErrNotFound
	}
	s.queue.Enqueue(skb)
	return nil
}

// HandlePacket implements stackmgr.PacketHandler for the RTmac
// EtherType: it updates sync state, completes a calibration round
// trip, or (for any other inner disc type) drops the frame — no VNIC
// hand-off path is implemented, per the interface-level scope of the
// rest of the discipline-frame family.
func (d *Discipline) HandlePacket(skb *rtskb.Skb, dev *rtdev.Device) error {
	defer rtskb.Free(skb)
	recvNs := skb.RXStampNs
	pf, err := parseFrame(skb.Data())
	if err != nil {
		return nil
	}
	switch pf.frameID {
	case frameSync:
		d.handleSync(pf.stampA, recvNs)
	case frameCalRequest:
		d.handleCalRequest(pf.stampA, recvNs)
	case frameCalReply:
		d.handleCalReply(pf.stampA, pf.stampB, recvNs)
	}
	return nil
}

func (d *Discipline) handleSync(masterStampNs, recvNs int64) {
	d.cycleStartNs.Store(masterStampNs)
	d.lastSyncNs.Store(recvNs)
	d.missedSyncs.Store(0)
	d.syncLost.Store(false)
	d.calibrated.Store(true)
	select {
	case d.syncEventCh <- struct{}{}:
	default:
	}
	if Role(d.role.Load()) == RoleBackupMaster {
		// hearing a primary sync returns a backup master to stand-by.
		d.backupActive.Store(false)
		d.calMu.Lock()
		d.calReplyPending = false
		d.calMu.Unlock()
	}
}

func (d *Discipline) handleCalRequest(requesterStampNs, recvNs int64) {
	d.calMu.Lock()
	d.calReplyPending = true
	d.calRequesterTs = requesterStampNs
	d.calMu.Unlock()
	_ = recvNs
}

func (d *Discipline) handleCalReply(requesterStampNs, replierStampNs, recvNs int64) {
	_ = requesterStampNs
	_ = replierStampNs
	_ = recvNs
	// Round-trip delay = recvNs - requesterStampNs; consumed by a
	// higher-level calibration client, not tracked inside the
	// discipline itself.
}

// RequestCalibration broadcasts a calibration request frame, stamped
// with the local send time, to discover round-trip latency to the
// master.
func (d *Discipline) RequestCalibration() error {
	payload := buildCalRequest(time.Now().UnixNano())
	return d.broadcast(payload)
}

func (d *Discipline) broadcast(payload []byte) error {
	skb, err := rtskb.Alloc(linkHeaderRoom, d.pool)
	if err != nil {
		return err
	}
	copy(skb.Put(len(payload)), payload)
	skb.Protocol = rtmacEtherType
	if err := d.dev.BuildHeader(skb, d.dev.Broadcast); err != nil {
		rtskb.Free(skb)
		return err
	}
	return d.dev.DriverXmit(skb)
}

// linkHeaderRoom mirrors rtproto's equivalent constant: headroom left
// for the driver's Ethernet header.
const linkHeaderRoom = 14

// rtmacEtherType is stackmgr.EtherTypeRTmac, restated here to avoid an
// import-cycle-driven dependency on stackmgr.
const rtmacEtherType uint16 = 0x9021
