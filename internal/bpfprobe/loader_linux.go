// BPF object loader for the connection recorder's kernel-side probe.
//
// This file implements:
//   - ELF parsing of the pre-compiled BPF object (probe.bpf.o)
//   - BPF map creation (hash maps + the ring buffer map)
//   - BPF instruction patching (LD_IMM64 map-fd relocations)
//   - BPF program loading (BPF_PROG_LOAD)
//   - Tracepoint attachment (perf_event_open + PERF_EVENT_IOC_SET_BPF)
//
// All operations use raw Linux syscalls; this package links against no
// external eBPF library and uses no cgo, matching how this codebase has
// always loaded probes. Ring buffer *consumption* (mmap + the read
// algorithm) lives in package ringbuf, not here: this file's job ends once
// the programs are attached and the ring map's fd is known.
//
//go:build linux

package bpfprobe

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"unsafe"
)

// ─── BPF syscall constants ─────────────────────────────────────────────────
//
// Values from <linux/bpf.h>. Never change.

const (
	bpfCmdMapCreate uintptr = 0
	bpfCmdProgLoad  uintptr = 5

	bpfMapTypeHash    uint32 = 1
	bpfMapTypeRingBuf uint32 = 27

	bpfProgTypeTracepoint uint32 = 5

	bpfOpLdImm64   uint8 = 0x18
	bpfPseudoMapFD uint8 = 1

	bpfLogLevel uint32 = 1
)

const (
	perfTypeTracepoint uint32 = 1

	perfEventIOCEnable = 0x00002400
	perfEventIOCSetBPF = 0x40044408

	tracepointIDDir = "/sys/kernel/debug/tracing/events"
)

// ringMapName, trackedPIDsMapName, pendingSyscallsMapName, and
// liveSocketsMapName must match the SEC(".maps") symbol names in
// probe.bpf.c.
const (
	ringMapName            = "events"
	trackedPIDsMapName     = "tracked_pids"
	pendingSyscallsMapName = "pending_syscalls"
	liveSocketsMapName     = "live_sockets"
)

const (
	trackedPIDsCapacity     = 4096
	pendingSyscallsCapacity = 256
	liveSocketsCapacity     = 16384
)

// ─── Syscall wrappers ───────────────────────────────────────────────────────

func bpfSyscall(cmd uintptr, attr unsafe.Pointer, attrSize uintptr) (int, error) {
	fd, _, errno := syscall.RawSyscall(syscall.SYS_BPF, cmd, uintptr(attr), attrSize)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int) (int, error) {
	fd, _, errno := syscall.RawSyscall6(
		syscall.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)), uintptr(pid), uintptr(cpu), uintptr(groupFD), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioctlFd(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func closeFd(fd int) error {
	return syscall.Close(fd)
}

// ─── Kernel ABI attribute structs ──────────────────────────────────────────

type bpfMapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
	_          [76]byte
}

type bpfProgLoadAttr struct {
	progType           uint32
	insnCnt            uint32
	insns              uint64
	license            uint64
	logLevel           uint32
	logSize            uint32
	logBuf             uint64
	kernVersion        uint32
	progFlags          uint32
	progName           [16]byte
	progIfindex        uint32
	expectedAttachType uint32
	progBTFFd          uint32
	funcInfoRecSize    uint32
	funcInfo           uint64
	funcInfoCnt        uint32
	lineInfoRecSize    uint32
	lineInfo           uint64
	lineInfoCnt        uint32
	attachBTFId        uint32
	attachProgFd       uint32
}

type perfEventAttr struct {
	eventType               uint32
	size                    uint32
	config                  uint64
	sampleFreq              uint64
	sampleType              uint64
	readFormat              uint64
	bits                    uint64
	wakeupEventsOrWatermark uint32
	bpType                  uint32
	bpAddr                  uint64
	bpLen                   uint64
}

type bpfInsn struct {
	code uint8
	regs uint8
	off  int16
	imm  int32
}

// ─── ELF parsing ────────────────────────────────────────────────────────────

type bpfElf struct {
	license  string
	mapDefs  map[string]bpfMapSpec
	progs    map[string][]bpfInsn
	relaSecs map[string][]bpfRela
}

type bpfMapSpec struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	flags      uint32
}

type bpfRela struct {
	insnIdx uint64
	symName string
}

func parseBPFELF(r io.ReaderAt) (*bpfElf, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("expected 64-bit ELF, got %v", f.Class)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, fmt.Errorf("BPF objects must be little-endian (eBPF ABI)")
	}

	out := &bpfElf{
		mapDefs:  make(map[string]bpfMapSpec),
		progs:    make(map[string][]bpfInsn),
		relaSecs: make(map[string][]bpfRela),
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			b, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("read license: %w", err)
			}
			out.license = strings.TrimRight(string(b), "\x00")

		case sec.Name == ".maps" || sec.Name == "maps":
			if err := parseMapsSection(f, sec, syms, out); err != nil {
				return nil, err
			}

		case strings.HasPrefix(sec.Name, "tracepoint/"):
			insns, err := readBPFInsns(sec)
			if err != nil {
				return nil, fmt.Errorf("read program %q: %w", sec.Name, err)
			}
			out.progs[sec.Name] = insns

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			target := strings.TrimPrefix(sec.Name, ".rela")
			target = strings.TrimPrefix(target, ".rel")
			if !strings.HasPrefix(target, "tracepoint/") {
				continue
			}
			relas, err := readRelas(f, sec, syms)
			if err != nil {
				return nil, fmt.Errorf("read relocations for %q: %w", sec.Name, err)
			}
			out.relaSecs[target] = relas
		}
	}

	if out.license == "" {
		out.license = "GPL"
	}

	return out, nil
}

func parseMapsSection(f *elf.File, sec *elf.Section, syms []elf.Symbol, out *bpfElf) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read maps section: %w", err)
	}

	var secIdx elf.SectionIndex
	for i, s := range f.Sections {
		if s == sec {
			secIdx = elf.SectionIndex(i)
			break
		}
	}

	for _, sym := range syms {
		if sym.Section != secIdx || elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		off, size := sym.Value, sym.Size
		if size < 20 || int(off)+int(size) > len(data) {
			continue
		}
		mapData := data[off : off+size]
		out.mapDefs[sym.Name] = bpfMapSpec{
			mapType:    binary.LittleEndian.Uint32(mapData[0:4]),
			keySize:    binary.LittleEndian.Uint32(mapData[4:8]),
			valueSize:  binary.LittleEndian.Uint32(mapData[8:12]),
			maxEntries: binary.LittleEndian.Uint32(mapData[12:16]),
			flags:      binary.LittleEndian.Uint32(mapData[16:20]),
		}
	}

	return nil
}

func readBPFInsns(sec *elf.Section) ([]bpfInsn, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty program section %q", sec.Name)
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("section %q size %d not a multiple of 8", sec.Name, len(data))
	}

	insns := make([]bpfInsn, len(data)/8)
	r := bytes.NewReader(data)
	for i := range insns {
		if err := binary.Read(r, binary.LittleEndian, &insns[i]); err != nil {
			return nil, err
		}
	}
	return insns, nil
}

func readRelas(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]bpfRela, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}

	var relas []bpfRela

	switch sec.Type {
	case elf.SHT_RELA:
		const sz = 24
		if len(data)%sz != 0 {
			return nil, fmt.Errorf("RELA section size %d not a multiple of %d", len(data), sz)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Off    uint64
				Info   uint64
				Addend int64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			symIdx := raw.Info >> 32
			if int(symIdx) >= len(syms) {
				return nil, fmt.Errorf("symbol index %d out of range", symIdx)
			}
			relas = append(relas, bpfRela{insnIdx: raw.Off / 8, symName: syms[symIdx].Name})
		}

	case elf.SHT_REL:
		const sz = 16
		if len(data)%sz != 0 {
			return nil, fmt.Errorf("REL section size %d not a multiple of %d", len(data), sz)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Off  uint64
				Info uint64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			symIdx := raw.Info >> 32
			if int(symIdx) >= len(syms) {
				return nil, fmt.Errorf("symbol index %d out of range", symIdx)
			}
			relas = append(relas, bpfRela{insnIdx: raw.Off / 8, symName: syms[symIdx].Name})
		}
	}

	return relas, nil
}

// ─── BPF object loading ─────────────────────────────────────────────────────

// bpfObject holds the open file descriptors for a loaded probe. Call Close
// to release all resources.
type bpfObject struct {
	mapFDs        map[string]int
	progFDs       map[string]int
	perfFDs       []int
	ringFD        int
	ringCapacity  uint64
}

func (o *bpfObject) Close() {
	for _, fd := range o.perfFDs {
		_ = closeFd(fd)
	}
	for _, fd := range o.progFDs {
		_ = closeFd(fd)
	}
	for _, fd := range o.mapFDs {
		_ = closeFd(fd)
	}
}

// loadBPFObject parses the BPF ELF object from r, creates the probe's four
// maps (tracked PIDs, pending syscalls, live sockets, the ring), loads every
// tracepoint program, attaches each to its tracepoint on every CPU, and
// returns the resulting *bpfObject. ringCapacity overrides the ELF's
// declared ring size (0 keeps the ELF's declared size, or 512 MiB if the ELF
// declares none).
func loadBPFObject(r io.ReaderAt, ringCapacity uint64) (*bpfObject, error) {
	parsed, err := parseBPFELF(r)
	if err != nil {
		return nil, fmt.Errorf("parse BPF ELF: %w", err)
	}
	if len(parsed.progs) == 0 {
		return nil, errors.New("BPF object contains no tracepoint programs")
	}

	obj := &bpfObject{
		mapFDs:  make(map[string]int),
		progFDs: make(map[string]int),
	}

	// ── 1. Create kernel BPF maps ────────────────────────────────────────
	wantMaps := map[string]bpfMapSpec{
		trackedPIDsMapName:     {mapType: bpfMapTypeHash, keySize: 4, valueSize: 4, maxEntries: trackedPIDsCapacity},
		pendingSyscallsMapName: {mapType: bpfMapTypeHash, keySize: 4, valueSize: 32, maxEntries: pendingSyscallsCapacity},
		liveSocketsMapName:     {mapType: bpfMapTypeHash, keySize: 8, valueSize: 1, maxEntries: liveSocketsCapacity},
		ringMapName:            {mapType: bpfMapTypeRingBuf, maxEntries: uint32(defaultRingCapacity)},
	}
	for name, def := range parsed.mapDefs {
		wantMaps[name] = def
	}

	if ringCapacity > 0 {
		spec := wantMaps[ringMapName]
		spec.maxEntries = uint32(ringCapacity)
		wantMaps[ringMapName] = spec
	}

	for name, spec := range wantMaps {
		fd, err := createBPFMap(spec)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("BPF map create %q: %w (requires CAP_BPF)", name, err)
		}
		obj.mapFDs[name] = fd
		if name == ringMapName {
			obj.ringFD = fd
			obj.ringCapacity = uint64(spec.maxEntries)
		}
	}

	// ── 2. Load BPF programs ─────────────────────────────────────────────
	licenseBytes := append([]byte(parsed.license), 0)

	for secName, insns := range parsed.progs {
		if relas, ok := parsed.relaSecs[secName]; ok {
			if err := applyMapRelocations(insns, relas, obj.mapFDs); err != nil {
				obj.Close()
				return nil, fmt.Errorf("relocate %q: %w", secName, err)
			}
		}

		logBuf := make([]byte, 256*1024)

		attr := bpfProgLoadAttr{
			progType: bpfProgTypeTracepoint,
			insnCnt:  uint32(len(insns)),
			insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
			license:  uint64(uintptr(unsafe.Pointer(&licenseBytes[0]))),
			logLevel: bpfLogLevel,
			logSize:  uint32(len(logBuf)),
			logBuf:   uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		}
		copy(attr.progName[:], shortProgName(secName))

		fd, err := bpfSyscall(bpfCmdProgLoad, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
		runtime.KeepAlive(insns)
		runtime.KeepAlive(licenseBytes)
		runtime.KeepAlive(logBuf)
		if err != nil {
			if verifierLog := extractLog(logBuf); verifierLog != "" {
				err = fmt.Errorf("%w; verifier log:\n%s", err, verifierLog)
			}
			obj.Close()
			return nil, fmt.Errorf("load BPF program %q: %w", secName, err)
		}
		obj.progFDs[secName] = fd
	}

	// ── 3. Attach tracepoints ────────────────────────────────────────────
	numCPU := runtime.NumCPU()
	for secName, progFD := range obj.progFDs {
		parts := strings.SplitN(strings.TrimPrefix(secName, "tracepoint/"), "/", 2)
		if len(parts) != 2 {
			obj.Close()
			return nil, fmt.Errorf("cannot parse tracepoint group/name from section %q", secName)
		}
		tpGroup, tpName := parts[0], parts[1]

		tpID, err := readTracepointID(tpGroup, tpName)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("tracepoint %s/%s: %w", tpGroup, tpName, err)
		}

		for cpu := 0; cpu < numCPU; cpu++ {
			attr := &perfEventAttr{
				eventType: perfTypeTracepoint,
				size:      uint32(unsafe.Sizeof(perfEventAttr{})),
				config:    uint64(tpID),
				bits:      1,
			}

			pfd, err := perfEventOpen(attr, -1, cpu, -1)
			if err != nil {
				obj.Close()
				return nil, fmt.Errorf("perf_event_open %s/%s cpu%d: %w", tpGroup, tpName, cpu, err)
			}
			obj.perfFDs = append(obj.perfFDs, pfd)

			if err := ioctlFd(pfd, perfEventIOCSetBPF, uintptr(progFD)); err != nil {
				obj.Close()
				return nil, fmt.Errorf("PERF_EVENT_IOC_SET_BPF %s/%s cpu%d: %w", tpGroup, tpName, cpu, err)
			}
			if err := ioctlFd(pfd, perfEventIOCEnable, 0); err != nil {
				obj.Close()
				return nil, fmt.Errorf("PERF_EVENT_IOC_ENABLE %s/%s cpu%d: %w", tpGroup, tpName, cpu, err)
			}
		}
	}

	return obj, nil
}

func createBPFMap(spec bpfMapSpec) (int, error) {
	attr := bpfMapCreateAttr{
		mapType:    spec.mapType,
		keySize:    spec.keySize,
		valueSize:  spec.valueSize,
		maxEntries: spec.maxEntries,
		mapFlags:   spec.flags,
	}
	return bpfSyscall(bpfCmdMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
}

func applyMapRelocations(insns []bpfInsn, relas []bpfRela, mapFDs map[string]int) error {
	for _, rel := range relas {
		fd, ok := mapFDs[rel.symName]
		if !ok {
			return fmt.Errorf("no fd for map %q", rel.symName)
		}
		idx := int(rel.insnIdx)
		if idx >= len(insns) {
			return fmt.Errorf("relocation instruction index %d out of range (len=%d)", idx, len(insns))
		}
		ins := &insns[idx]
		if ins.code != bpfOpLdImm64 {
			return fmt.Errorf("insn[%d]: expected LD_IMM64 (0x%02x), got 0x%02x", idx, bpfOpLdImm64, ins.code)
		}
		ins.regs = (ins.regs & 0x0F) | (bpfPseudoMapFD << 4)
		ins.imm = int32(fd)
		if idx+1 < len(insns) {
			insns[idx+1].imm = 0
		}
	}
	return nil
}

func readTracepointID(group, name string) (uint32, error) {
	idPath := filepath.Join(tracepointIDDir, group, name, "id")
	b, err := os.ReadFile(idPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w (debugfs/tracefs must be mounted)", idPath, err)
	}
	var id uint32
	if _, err := fmt.Sscan(strings.TrimSpace(string(b)), &id); err != nil {
		return 0, fmt.Errorf("parse tracepoint id from %q: %w", string(b), err)
	}
	return id, nil
}

func shortProgName(secName string) string {
	parts := strings.Split(secName, "/")
	name := parts[len(parts)-1]
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func extractLog(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.TrimSpace(string(buf))
}
