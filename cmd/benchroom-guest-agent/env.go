package main

import (
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// buildCommandEnv layers the request env over the agent's own. HOME and PATH
// always have a value so bare executable names resolve.
func buildCommandEnv(requestEnv []string) []string {
	base := map[string]string{}
	for _, entry := range slices.Concat(os.Environ(), requestEnv) {
		key, value, ok := splitEnvEntry(entry)
		if !ok {
			continue
		}
		base[key] = value
	}

	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = defaultPath
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	slices.Sort(out)
	return out
}

func splitEnvEntry(entry string) (string, string, bool) {
	key, value, _ := strings.Cut(entry, "=")
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func parseCmdlinePort(cmdline string) (uint32, bool) {
	for _, field := range strings.Fields(cmdline) {
		raw, ok := strings.CutPrefix(field, "benchroom.vsock_port=")
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || port == 0 {
			return 0, false
		}
		return uint32(port), true
	}
	return 0, false
}

// readLimited reads at most limit bytes of path and reports whether more
// remained.
func readLimited(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
