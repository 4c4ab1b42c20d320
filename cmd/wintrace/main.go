// Command wintrace is a thin demo driver for the introspection
// pipeline: given a raw physical-memory image and the SYSTEM process's
// DTB and EPROCESS VA (normally found by a separate PDB-driven KDBG/PFN
// scan that sits outside this module's scope), it runs OffsetLocator,
// ProcessEnumerator, and ModuleWalker and prints the resulting process
// table. It is not part of the core ABI — every real package here is
// importable and testable without it.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/integrii/flaggy"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/offsets"
	"github.com/dfirkit/wintrace/pkg/vmmcfg"
	"github.com/dfirkit/wintrace/pkg/vmmlog"
	"github.com/dfirkit/wintrace/pkg/winmodule"
	"github.com/dfirkit/wintrace/pkg/winproc"
)

const version = "0.1.0-dev"

func main() {
	var (
		imagePath      string
		systemDTBHex   string
		systemEProcHex string
		configPath     string
		is32           bool
		verbose        bool
	)

	flaggy.SetName("wintrace")
	flaggy.SetDescription("Physical-memory forensics introspection engine (demo driver)")
	flaggy.SetVersion(version)

	flaggy.String(&imagePath, "i", "image", "Path to a raw physical-memory image")
	flaggy.String(&systemDTBHex, "d", "dtb", "SYSTEM process's DTB, hex")
	flaggy.String(&systemEProcHex, "s", "system-eprocess", "SYSTEM EPROCESS virtual address, hex")
	flaggy.String(&configPath, "c", "config", "Path to a YAML config overlaying the defaults")
	flaggy.Bool(&is32, "", "32", "Treat the image as 32-bit")
	flaggy.Bool(&verbose, "v", "verbose", "Enable debug logging")

	flaggy.Parse()

	if imagePath == "" || systemDTBHex == "" || systemEProcHex == "" {
		flaggy.ShowHelpAndExit("--image, --dtb, and --system-eprocess are required")
	}

	systemDTB, err := parseHex64("dtb", systemDTBHex)
	if err != nil {
		fatal(err)
	}
	systemEProcess, err := parseHex64("system-eprocess", systemEProcHex)
	if err != nil {
		fatal(err)
	}

	log := vmmlog.New()
	if verbose {
		log = vmmlog.NewVerbose()
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}

	mem, err := newFlatImageReader(imagePath)
	if err != nil {
		fatal(err)
	}
	defer mem.Close()

	vmm := ctxvmm.New(cfg, log)
	vmm.Mem = mem

	ctx := context.Background()

	off, err := locateOffsets(ctx, vmm, is32, model.DTB(systemDTB), model.VA(systemEProcess))
	if err != nil {
		fatal(err)
	}
	if !off.Valid {
		fatal(fmt.Errorf("wintrace: offset locator did not validate against this image"))
	}

	result, err := winproc.Enumerate(ctx, vmm, off, is32, model.DTB(systemDTB), model.VA(systemEProcess), nil)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("%-8s %-8s %-20s %-18s %s\n", "PID", "PPID", "NAME", "DTB", "FLAGS")
	for _, p := range result.Processes {
		flags := ""
		if p.UserOnly {
			flags += "user "
		}
		if p.WoW64 {
			flags += "wow64 "
		}
		if p.Terminated {
			flags += "terminated "
		}
		fmt.Printf("%-8d %-8d %-20s 0x%-16x %s\n", p.PID, p.PPID, p.Name, p.DTB, flags)

		if p.PEB == 0 {
			continue
		}
		mm, err := winmodule.WalkProcess(ctx, vmm, p.PID, p.DTB, is32, p.PEB, p.PEB32, nil, true)
		if err != nil {
			log.WithError(err).WithField("pid", uint32(p.PID)).Debug("wintrace: module walk failed")
			continue
		}
		augmentWithVadsAndPtes(ctx, vmm, p, &mm)
		for _, e := range mm.Entries {
			fmt.Printf("    0x%016x %-10d %s\n", e.Base, e.ImageSize, e.Name)
		}

		printHeaps(ctx, vmm, log, p, is32)
		printHandles(ctx, vmm, log, p, is32, off)
	}

	if !result.QualityOK {
		fmt.Fprintln(os.Stderr, "wintrace: warning: fewer than the quality-gate minimum processes were enumerated")
	}
}

// loadConfig returns the defaults when configPath is empty, otherwise
// overlays the named YAML file onto them via vmmcfg.LoadYAML.
func loadConfig(configPath string) (*vmmcfg.Config, error) {
	if configPath == "" {
		return vmmcfg.NewDefaultConfig(), nil
	}
	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("wintrace: opening config: %w", err)
	}
	defer f.Close()
	return vmmcfg.LoadYAML(f)
}

func locateOffsets(ctx context.Context, vmm *ctxvmm.Context, is32 bool, dtb model.DTB, systemEProcess model.VA) (*offsets.Offsets, error) {
	if is32 {
		return offsets.Locate32(ctx, vmm, dtb, systemEProcess)
	}
	return offsets.Locate64(ctx, vmm, dtb, systemEProcess)
}

func parseHex64(flagName, s string) (uint64, error) {
	v, err := strconv.ParseUint(trimHexPrefix(s), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("wintrace: invalid --%s value %q: %w", flagName, s, err)
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "wintrace:", err)
	os.Exit(1)
}
