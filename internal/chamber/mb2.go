package chamber

import (
	"fmt"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/transport/modbus"
)

// MB2 register addresses, from original_source/binder.py's
// Binder_MKFT115_MB2.
const (
	mb2AddrCurrTemp  = 0x10d2
	mb2AddrCurrHumid = 0x10d6

	mb2AddrOperc = 0x1292

	mb2AddrProgrunSeg   = 0x1148
	mb2AddrProgrunInit  = 0x1146
	mb2AddrProgrunNo    = 0x1147
	mb2AddrProgrunStart = 0x1149
	mb2AddrProgrunStop  = 0x114a
	mb2AddrOpercMan     = 0x1158

	mb2AddrProgtimeElaps = 0x10a6
	mb2AddrProgtimeRem   = 0x10a8

	mb2AddrPgmCtrl     = 0x3000
	mb2AddrPgmStatus   = 0x3002
	mb2AddrPgmNSeg     = 0x3003
	mb2AddrPgmProgno   = 0x3004
	mb2AddrPgmFloats   = 0x3014
	mb2AddrPgmDuration = 0x3038
	mb2AddrPgmOpercont = 0x303c
	mb2AddrPgmRepeat   = 0x303d
	mb2AddrPgmSegtype  = 0x3042
	mb2AddrPgmTitle    = 0x4300

	mb2LenPgmTitle = 32
	mb2LenSegment  = 0x30
	mb2LenFloats   = 2 * 18

	mb2MaskPgmBusy = 0x0080
	mb2CmdDelete   = 0x0006
	mb2CmdLoad     = 0x000b
	mb2CmdStore    = 0x000c

	mb2SGRamp = 0

	mb2OpIdleMode = 1 << 1

	mb2NProg = 25
	mb2NSeg  = 100
	mb2Tout  = 10 * time.Millisecond
)

// MB2 drives a Binder MKFT 115 chamber fitted with the MB2 controller
// over an already-open modbus.Client.
type MB2 struct {
	m *modbus.Client
}

func NewMB2(m *modbus.Client) *MB2 { return &MB2{m: m} }

// pgmCtrl writes cmd and busy-polls ADDR_PGM_CTRL until the device
// clears MASK_PGM_BUSY, then returns the resulting status register.
func (b *MB2) pgmCtrl(cmd uint16) (uint16, error) {
	if cmd != mb2CmdDelete && cmd != mb2CmdLoad && cmd != mb2CmdStore {
		return 0, fmt.Errorf("chamber: mb2 unknown command %#x", cmd)
	}
	if err := b.m.WriteMultipleRegisters(mb2AddrPgmCtrl, []uint16{cmd | mb2MaskPgmBusy, 0}); err != nil {
		return 0, err
	}
	for {
		regs, err := b.m.ReadHoldingRegisters(mb2AddrPgmCtrl, 1)
		if err != nil {
			return 0, err
		}
		if regs[0]&mb2MaskPgmBusy == 0 {
			break
		}
		time.Sleep(mb2Tout)
	}
	regs, err := b.m.ReadHoldingRegisters(mb2AddrPgmStatus, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// GetActTemp reads the chamber's actual temperature.
func (b *MB2) GetActTemp() (float32, error) { return b.m.ReadFloat(mb2AddrCurrTemp) }

// GetActHumid reads the chamber's actual humidity.
func (b *MB2) GetActHumid() (float32, error) { return b.m.ReadFloat(mb2AddrCurrHumid) }

func (b *MB2) progRunning() (bool, error) {
	etime, err := b.readIntBE(mb2AddrProgtimeElaps)
	if err != nil {
		return false, err
	}
	rtime, err := b.readIntBE(mb2AddrProgtimeRem)
	if err != nil {
		return false, err
	}
	if etime == 0 && rtime == 0 {
		return false, nil
	}
	return etime > 0, nil
}

func (b *MB2) readIntBE(addr uint16) (int32, error) {
	regs, err := b.m.ReadHoldingRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	return int32(uint32(regs[0])<<16 | uint32(regs[1])), nil
}

// GetState reads the chamber's run mode: a running program's number,
// or "idle"/"manual".
func (b *MB2) GetState() (string, error) {
	running, err := b.progRunning()
	if err != nil {
		return "", err
	}
	if running {
		regs, err := b.m.ReadHoldingRegisters(mb2AddrProgrunNo, 1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", regs[0]), nil
	}
	regs, err := b.m.ReadHoldingRegisters(mb2AddrOperc, 1)
	if err != nil {
		return "", err
	}
	if regs[0]&mb2OpIdleMode != 0 {
		return "idle", nil
	}
	return "manual", nil
}

// StartProgAt starts progno at segment seg. delaySeconds is not
// written to the device: the program starts as soon as the start
// command is written.
func (b *MB2) StartProgAt(progno, seg, delaySeconds int) error {
	if err := b.m.WriteSingleRegister(mb2AddrProgrunSeg, uint16(seg)); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb2AddrProgrunInit, 0); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb2AddrProgrunNo, uint16(progno)); err != nil {
		return err
	}
	return b.m.WriteSingleRegister(mb2AddrProgrunStart, 1)
}

// StartProg starts progno from its first segment with no delay,
// satisfying the Device interface shared with MB1.
func (b *MB2) StartProg(progno int) error {
	return b.StartProgAt(progno, 1, 0)
}

// StopProg halts the running program, switching idle mode per manual.
func (b *MB2) StopProg(manual bool) error {
	if err := b.m.WriteSingleRegister(mb2AddrProgrunStop, 1); err != nil {
		return err
	}
	regs, err := b.m.ReadHoldingRegisters(mb2AddrOperc, 1)
	if err != nil {
		return err
	}
	operc := regs[0]
	idle := operc&mb2OpIdleMode != 0
	switch {
	case manual && idle:
		operc &^= mb2OpIdleMode
	case !manual && !idle:
		operc |= mb2OpIdleMode
	default:
		return nil
	}
	return b.m.WriteSingleRegister(mb2AddrOpercMan, operc)
}

func (b *MB2) writeTitle(title string) error {
	words := make([]uint16, mb2LenPgmTitle)
	bs := []byte(title)
	for i := 0; i < mb2LenPgmTitle; i++ {
		hi, lo := byte(0), byte(0)
		if 2*i < len(bs) {
			hi = bs[2*i]
		}
		if 2*i+1 < len(bs) {
			lo = bs[2*i+1]
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	return b.m.WriteMultipleRegisters(mb2AddrPgmTitle, words)
}

// LoadProg compiles prog and uploads it as progno: delete the
// existing program, write per-segment float blobs/duration/segtype/
// repeat/operc in contiguous address windows, then commit and confirm
// via the busy-poll handshake.
func (b *MB2) LoadProg(progno int, prog *Program) error {
	if progno < 0 || progno >= mb2NProg {
		return fmt.Errorf("chamber: mb2 progno %d out of range", progno)
	}
	nseg := len(prog.Segments)
	if nseg >= mb2NSeg {
		return fmt.Errorf("chamber: mb2 max %d segments, got %d", mb2NSeg, nseg)
	}
	segments, err := CompileMB2(prog)
	if err != nil {
		return err
	}

	if err := b.m.WriteSingleRegister(mb2AddrPgmProgno, uint16(progno)); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb2AddrPgmNSeg, mb2NSeg); err != nil {
		return err
	}
	status, err := b.pgmCtrl(mb2CmdDelete)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("chamber: mb2 delete prog %d failed, status %d", progno, status)
	}

	if err := b.m.WriteSingleRegister(mb2AddrPgmProgno, uint16(progno)); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb2AddrPgmNSeg, uint16(nseg+1)); err != nil {
		return err
	}
	if err := b.writeTitle(prog.Title); err != nil {
		return err
	}
	for i, seg := range segments {
		base := uint16(i * mb2LenSegment)
		if err := b.m.WriteIntLE(mb2AddrPgmDuration+base, int32(seg.Duration)); err != nil {
			return err
		}
		if err := b.m.WriteIntLE(mb2AddrPgmSegtype+base, mb2SGRamp); err != nil {
			return err
		}
		if err := b.m.WriteSingleRegister(mb2AddrPgmRepeat+base, uint16(seg.Jumps)); err != nil {
			return err
		}
		if err := b.m.WriteMultipleRegisters(mb2AddrPgmFloats+base, seg.FloatsLE); err != nil {
			return err
		}
		if err := b.m.WriteSingleRegister(mb2AddrPgmOpercont+base, uint16(seg.Operc)); err != nil {
			return err
		}
	}
	status, err = b.pgmCtrl(mb2CmdStore)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("chamber: mb2 store prog %d failed, status %d", progno, status)
	}
	return nil
}
