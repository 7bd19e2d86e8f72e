package backend

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Features lists the SIMD extensions the host CPU reports, for diagnostics.
func Features() string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
		if cpu.X86.HasAVX512BF16 {
			f = append(f, "avx512bf16")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	if len(f) == 0 {
		return runtime.GOARCH
	}
	return runtime.GOARCH + ":" + strings.Join(f, ",")
}
