package kernels

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envIntArch(name string, fallback int) int {
	if runtime.GOARCH == "arm64" {
		suffix := strings.TrimPrefix(name, "BITLLAMA_")
		raw := os.Getenv("BITLLAMA_ARM64_" + suffix)
		if raw != "" {
			v, err := strconv.Atoi(raw)
			if err == nil {
				return v
			}
		}
	}
	return envInt(name, fallback)
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

var scalarOnlyFlag = envBool("BITLLAMA_PACKED_SCALAR")

// scalarOnly forces the portable kernels regardless of architecture.
func scalarOnly() bool {
	return scalarOnlyFlag
}
