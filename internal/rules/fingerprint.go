package rules

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/keithlinneman/yarascan/internal/xerrors"
)

// fingerprintKey separates ruleset fingerprints from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'y', 'a', 'r', 'a', 's', 'c', 'a', 'n', '.', 'r', 'u', 'l', 'e', 's', 'e', 't',
}

// source is one rule file as read from disk.
type source struct {
	path string
	data []byte
}

// fingerprint hashes base name and content of every source, in order. Names
// and contents are length-prefixed so no two distinct directories collide by
// concatenation. The directory path itself is not part of the hash.
func fingerprint(srcs []source) string {
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("rules: blake3 keyed init: " + err.Error())
	}
	var n [8]byte
	for _, s := range srcs {
		name := filepath.Base(s.path)
		binary.BigEndian.PutUint64(n[:], uint64(len(name)))
		h.Write(n[:])
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(n[:], uint64(len(s.data)))
		h.Write(n[:])
		h.Write(s.data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DirFingerprint returns the fingerprint Compile would assign to dir's
// current contents, without compiling. The watcher uses it to skip reloads
// when nothing changed.
func DirFingerprint(dir string) (string, error) {
	srcs, err := readSources(dir)
	if err != nil {
		return "", err
	}
	return fingerprint(srcs), nil
}

// listRuleFiles returns the rule files directly inside dir, sorted by name.
// Symlinks are followed; subdirectories are not descended into.
func listRuleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rules dir %s", dir)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != RuleFileExt {
			continue
		}
		p := filepath.Join(dir, e.Name())
		mode := e.Type()
		if mode&os.ModeSymlink != 0 {
			fi, err := os.Stat(p)
			if err != nil {
				// dangling link
				continue
			}
			mode = fi.Mode().Type()
		}
		if !mode.IsRegular() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func readSources(dir string) ([]source, error) {
	paths, err := listRuleFiles(dir)
	if err != nil {
		return nil, err
	}
	srcs := make([]source, 0, len(paths))
	for _, p := range paths {
		data, err := readRuleFile(p)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, source{path: p, data: data})
	}
	return srcs, nil
}

func readRuleFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "open rule file")
	}
	defer f.Close()

	data, err := readLimited(f, maxRuleFileSize)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rule file %s", path)
	}
	return data, nil
}
