package files

import (
	"fmt"
	"path/filepath"
	"strings"

	"filevora/models"

	"github.com/spf13/afero"
)

const (
	// MaxNameLength bounds a sanitized name in bytes.
	MaxNameLength = 255

	fallbackName = "unnamed_file"
)

// blockedExtensions lists executable, script, installer and library types.
// Matching is case-insensitive and applies to the final extension only.
var blockedExtensions = map[string]struct{}{
	"exe": {}, "dll": {}, "com": {}, "bat": {}, "cmd": {}, "msi": {}, "msp": {},
	"scr": {}, "pif": {}, "cpl": {}, "hta": {}, "lnk": {}, "reg": {},
	"sh": {}, "bash": {}, "zsh": {}, "csh": {}, "ksh": {},
	"ps1": {}, "psm1": {}, "vb": {}, "vbs": {}, "vbe": {}, "js": {}, "jse": {}, "wsf": {}, "wsh": {},
	"jar": {}, "php": {}, "phtml": {}, "pl": {}, "py": {}, "rb": {}, "cgi": {},
	"asp": {}, "aspx": {}, "jsp": {},
	"so": {}, "dylib": {}, "elf": {}, "app": {}, "apk": {}, "deb": {}, "rpm": {},
}

// Sanitize turns an untrusted client filename into a single safe path
// component. Names with a blocked extension are rejected rather than renamed.
func Sanitize(raw string) (string, error) {
	name := raw
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	name = strings.Map(func(r rune) rune {
		if isSafeRune(r) {
			return r
		}
		return '_'
	}, name)

	name = strings.Trim(name, ".")
	if name == "" {
		name = fallbackName
	}

	name = truncate(name, MaxNameLength)

	if IsBlocked(name) {
		return "", &models.Error{
			Kind:    models.KindValidation,
			Message: fmt.Sprintf("file type .%s is not allowed", strings.ToLower(extension(name))),
			Err:     models.ErrDisallowedFileType,
		}
	}
	return name, nil
}

// IsBlocked reports whether name carries a blocked extension.
func IsBlocked(name string) bool {
	_, blocked := blockedExtensions[strings.ToLower(extension(name))]
	return blocked
}

// UniqueName returns name, or name with an incrementing "_N" suffix before the
// extension, such that nothing called that exists in dir right now.
func UniqueName(fs afero.Fs, dir, name string) (string, error) {
	candidate := name
	ext := filepath.Ext(name)
	if len(ext) >= MaxNameLength/2 {
		// Same rule as truncate: an absurd extension is treated as stem.
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)

	for counter := 1; ; counter++ {
		exists, err := afero.Exists(fs, filepath.Join(dir, candidate))
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		suffix := fmt.Sprintf("_%d", counter)
		room := MaxNameLength - len(suffix) - len(ext)
		if room < 1 {
			return "", fmt.Errorf("name %q leaves no room for a collision suffix", name)
		}
		base := stem
		if len(base) > room {
			base = strings.TrimRight(base[:room], ".")
		}
		candidate = base + suffix + ext
	}
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '.', r == '-':
		return true
	}
	return false
}

// extension returns the text after the last dot, without the dot.
func extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

// truncate shortens the stem so the whole name fits in limit bytes. Input is
// ASCII by the time it gets here.
func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= limit/2 {
		// An absurd extension is not worth preserving.
		return strings.TrimRight(name[:limit], ".")
	}
	stem := strings.TrimRight(name[:limit-len(ext)], ".")
	if stem == "" {
		stem = fallbackName[:min(len(fallbackName), limit-len(ext))]
	}
	return stem + ext
}
