package imagemgr

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractRejectsWriteThroughAbsoluteSymlink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "escape", Typeflag: tar.TypeSymlink, Linkname: "/tmp", Mode: 0o777}},
		tarEntry{Header: &tar.Header{Name: "escape/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len("owned"))}, Body: []byte("owned")},
	)

	err := (&rootfs{dir: root}).extract(bytes.NewReader(stream))
	if err == nil {
		t.Fatal("expected symlink-escape tar to be rejected")
	}
}

func TestExtractRejectsWriteThroughRelativeEscapeSymlink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "escape", Typeflag: tar.TypeSymlink, Linkname: "../../../../tmp", Mode: 0o777}},
		tarEntry{Header: &tar.Header{Name: "escape/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len("owned"))}, Body: []byte("owned")},
	)

	err := (&rootfs{dir: root}).extract(bytes.NewReader(stream))
	if err == nil {
		t.Fatal("expected relative symlink-escape tar to be rejected")
	}
}

func TestExtractAllowsSafeInternalSymlink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "usr", Typeflag: tar.TypeDir, Mode: 0o755}},
		tarEntry{Header: &tar.Header{Name: "usr/bin", Typeflag: tar.TypeDir, Mode: 0o755}},
		tarEntry{Header: &tar.Header{Name: "usr/bin/tool", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len("binary"))}, Body: []byte("binary")},
		tarEntry{Header: &tar.Header{Name: "bin", Typeflag: tar.TypeSymlink, Linkname: "usr/bin", Mode: 0o777}},
	)

	if err := (&rootfs{dir: root}).extract(bytes.NewReader(stream)); err != nil {
		t.Fatalf("extract returned error: %v", err)
	}

	linkPath := filepath.Join(root, "bin")
	linkTarget, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("read symlink %s: %v", linkPath, err)
	}
	if got, want := linkTarget, "usr/bin"; got != want {
		t.Fatalf("unexpected symlink target: got %q want %q", got, want)
	}
}

func TestExtractReplacesPlantedSymlinkWithFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(outside, []byte("host"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "motd", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777}},
		tarEntry{Header: &tar.Header{Name: "motd", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len("guest"))}, Body: []byte("guest")},
	)

	if err := (&rootfs{dir: root}).extract(bytes.NewReader(stream)); err != nil {
		t.Fatalf("extract returned error: %v", err)
	}
	host, err := os.ReadFile(outside)
	if err != nil {
		t.Fatalf("read outside file: %v", err)
	}
	if string(host) != "host" {
		t.Fatalf("expected the host file to be untouched, got %q", host)
	}
}

func TestInstallAgentReplacesImageCopy(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sbin"), 0o755); err != nil {
		t.Fatalf("create sbin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sbin", "benchroom-guest-agent"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed stale agent: %v", err)
	}
	agent := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(agent, []byte("\x7fELF agent"), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}

	if err := (&rootfs{dir: root}).installAgent(agent); err != nil {
		t.Fatalf("installAgent returned error: %v", err)
	}
	target := filepath.Join(root, "sbin", "benchroom-guest-agent")
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read injected agent: %v", err)
	}
	if string(got) != "\x7fELF agent" {
		t.Fatalf("unexpected agent content: %q", got)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat injected agent: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("expected injected agent to be executable, mode %v", info.Mode())
	}
}

func TestInstallAgentRefusesSymlinkedSbin(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.Symlink(t.TempDir(), filepath.Join(root, "sbin")); err != nil {
		t.Fatalf("plant symlink: %v", err)
	}
	agent := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(agent, []byte("agent"), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	if err := (&rootfs{dir: root}).installAgent(agent); err == nil {
		t.Fatal("expected a symlinked /sbin to be refused")
	}
}

func TestImageSize(t *testing.T) {
	t.Parallel()

	if got := imageSize(1 << 20); got != minimumRootFSSizeBytes {
		t.Fatalf("unexpected minimum size: got %d want %d", got, minimumRootFSSizeBytes)
	}
	got := imageSize(1 << 30)
	if got%rootFSAlignBytes != 0 {
		t.Fatalf("expected size aligned to %d, got %d", rootFSAlignBytes, got)
	}
	if got < (1<<30)+(1<<29)+rootFSHeadroomBytes {
		t.Fatalf("expected headroom above content, got %d", got)
	}
}

func TestExtractRejectsParentTraversal(t *testing.T) {
	t.Parallel()

	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "a/../../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}, Body: []byte("x")},
	)
	if err := (&rootfs{dir: t.TempDir()}).extract(bytes.NewReader(stream)); err == nil {
		t.Fatal("expected a traversing entry to be rejected")
	}
}

func TestExtractCountsFileBytes(t *testing.T) {
	t.Parallel()

	fs := &rootfs{dir: t.TempDir()}
	stream := tarStreamWithEntries(t,
		tarEntry{Header: &tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755}},
		tarEntry{Header: &tar.Header{Name: "/etc/motd", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}, Body: []byte("hello")},
		tarEntry{Header: &tar.Header{Name: "etc/issue", Typeflag: tar.TypeLink, Linkname: "etc/motd"}},
	)
	if err := fs.extract(bytes.NewReader(stream)); err != nil {
		t.Fatalf("extract returned error: %v", err)
	}
	if fs.bytes != 5 {
		t.Fatalf("unexpected byte count: got %d want 5", fs.bytes)
	}
	got, err := os.ReadFile(filepath.Join(fs.dir, "etc", "issue"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected hard link content: %q (%v)", got, err)
	}
}

type tarEntry struct {
	Header *tar.Header
	Body   []byte
}

func tarStreamWithEntries(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		if err := tw.WriteHeader(entry.Header); err != nil {
			t.Fatalf("write tar header %q: %v", entry.Header.Name, err)
		}
		if len(entry.Body) > 0 {
			if _, err := tw.Write(entry.Body); err != nil {
				t.Fatalf("write tar body %q: %v", entry.Header.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar stream: %v", err)
	}
	return buf.Bytes()
}
